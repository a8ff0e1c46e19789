package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dodji-app/core/internal/docstore"
	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/observability"
)

// OverlayLoaderDeps groups constructor parameters for the user overlay loader.
type OverlayLoaderDeps struct {
	Store  docstore.Store
	Logger *zap.Logger
}

type overlayLoader struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewUserOverlayLoader constructs a loader over users/{uid}/progress and users/{uid}/courseMedia.
func NewUserOverlayLoader(deps OverlayLoaderDeps) (UserOverlayLoader, error) {
	if deps.Store == nil {
		return nil, ErrStoreMissing
	}
	return &overlayLoader{store: deps.Store, logger: observability.OrNop(deps.Logger)}, nil
}

func (l *overlayLoader) SubscribeOverlay(ctx context.Context, userID string, key domain.ContentKey, onChange func(domain.UserOverlay), onError func(error)) (docstore.Unsubscribe, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if !key.Valid() {
		return nil, domain.ErrUnknownContentKey
	}
	return l.store.Subscribe(ctx, docstore.OverlayPath(userID, key),
		func(rec docstore.Record, exists bool) {
			if onChange != nil {
				onChange(decodeOverlay(userID, key, rec, exists))
			}
		},
		func(err error) {
			l.logger.Debug("overlay stream error", zap.String("user_id", userID), zap.String("content_key", key.ID()), zap.Error(err))
			if onError != nil {
				onError(fmt.Errorf("%w: overlay %s: %w", ErrTransientFetch, key.ID(), err))
			}
		},
	)
}

func (l *overlayLoader) SubscribeCourseMedia(ctx context.Context, userID, courseID string, onChange func(domain.MediaCounts, bool), onError func(error)) (docstore.Unsubscribe, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return nil, fmt.Errorf("overlay loader: course id is required")
	}
	return l.store.Subscribe(ctx, docstore.CourseMediaPath(userID, courseID),
		func(rec docstore.Record, exists bool) {
			if onChange == nil {
				return
			}
			if !exists {
				onChange(domain.MediaCounts{}, false)
				return
			}
			onChange(domain.MediaCounts{
				CompletedMediaCount: int(docstore.Int(rec.Data, "completedMediaCount")),
				TotalMediaCount:     int(docstore.Int(rec.Data, "totalMediaCount")),
			}, true)
		},
		func(err error) {
			l.logger.Debug("course media stream error", zap.String("user_id", userID), zap.String("course_id", courseID), zap.Error(err))
			if onError != nil {
				onError(fmt.Errorf("%w: course media %s: %w", ErrTransientFetch, courseID, err))
			}
		},
	)
}

// decodeOverlay reads per-course status. Courses without a record are left out so the merge
// falls back to blocked.
func decodeOverlay(userID string, key domain.ContentKey, rec docstore.Record, exists bool) domain.UserOverlay {
	overlay := domain.UserOverlay{UserID: userID, Key: key, Courses: map[string]domain.CourseProgress{}}
	if !exists {
		return overlay
	}
	for courseID, raw := range docstore.Map(rec.Data, "courses") {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		overlay.Courses[courseID] = domain.CourseProgress{
			Status:              domain.ParseCourseStatus(docstore.String(fields, "status")),
			CompletedMediaCount: int(docstore.Int(fields, "completedMediaCount")),
			TotalMediaCount:     int(docstore.Int(fields, "totalMediaCount")),
		}
	}
	return overlay
}
