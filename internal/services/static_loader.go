package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dodji-app/core/internal/docstore"
	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/observability"
)

// StaticLoaderDeps groups constructor parameters for the static content loader.
type StaticLoaderDeps struct {
	Store  docstore.Store
	Logger *zap.Logger
}

type staticLoader struct {
	store  docstore.Store
	logger *zap.Logger
	policy *bluemonday.Policy
}

// NewStaticContentLoader constructs a loader reading content/{key} documents.
func NewStaticContentLoader(deps StaticLoaderDeps) (StaticContentLoader, error) {
	if deps.Store == nil {
		return nil, ErrStoreMissing
	}
	return &staticLoader{
		store:  deps.Store,
		logger: observability.OrNop(deps.Logger),
		policy: bluemonday.StrictPolicy(),
	}, nil
}

func (l *staticLoader) FetchStatic(ctx context.Context, key domain.ContentKey) (entry domain.StaticEntry, err error) {
	ctx, span := observability.StartSpan(ctx, "static_loader.fetch", attribute.String("content_key", key.ID()))
	defer func() { observability.EndSpan(span, err) }()

	if !key.Valid() {
		return domain.StaticEntry{}, domain.ErrUnknownContentKey
	}
	rec, exists, err := l.store.Get(ctx, docstore.ContentPath(key))
	if err != nil {
		return domain.StaticEntry{}, fmt.Errorf("%w: static %s: %w", ErrTransientFetch, key.ID(), err)
	}
	if !exists {
		l.logger.Debug("static content absent", zap.String("content_key", key.ID()))
	}
	return l.decode(key, rec, exists), nil
}

func (l *staticLoader) SubscribeStatic(ctx context.Context, key domain.ContentKey, onChange func(domain.StaticEntry), onError func(error)) (docstore.Unsubscribe, error) {
	if !key.Valid() {
		return nil, domain.ErrUnknownContentKey
	}
	return l.store.Subscribe(ctx, docstore.ContentPath(key),
		func(rec docstore.Record, exists bool) {
			if onChange != nil {
				onChange(l.decode(key, rec, exists))
			}
		},
		func(err error) {
			if onError != nil {
				onError(fmt.Errorf("%w: static %s: %w", ErrTransientFetch, key.ID(), err))
			}
		},
	)
}

// decode turns a content document into a StaticEntry. A missing document yields empty maps.
func (l *staticLoader) decode(key domain.ContentKey, rec docstore.Record, exists bool) domain.StaticEntry {
	entry := domain.StaticEntry{
		Key:       key,
		Positions: map[string]domain.Position{},
		Courses:   map[string]domain.CourseDefinition{},
		UpdatedAt: rec.UpdateTime,
	}
	if !exists || rec.Data == nil {
		return entry
	}
	entry.BackgroundImage = docstore.String(rec.Data, "backgroundImage")

	for positionID, raw := range docstore.Map(rec.Data, "positions") {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entry.Positions[positionID] = domain.Position{
			X:      docstore.Float(fields, "x"),
			Y:      docstore.Float(fields, "y"),
			Index:  int(docstore.Int(fields, "index")),
			IsSide: docstore.Bool(fields, "side"),
		}
	}

	for ordinal, raw := range docstore.Map(rec.Data, "courses") {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id := docstore.String(fields, "id")
		if id == "" {
			id = ordinal
		}
		entry.Courses[ordinal] = domain.CourseDefinition{
			ID:         id,
			Title:      strings.TrimSpace(l.policy.Sanitize(docstore.String(fields, "title"))),
			UnlockCost: docstore.Int(fields, "unlockCost"),
			Media:      docstore.Strings(fields, "media"),
		}
	}
	return entry
}
