package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/observability"
)

const defaultPreloadConcurrency = 6

// ErrPreloadDependencyMissing signals that a collaborator of the orchestrator is absent.
var ErrPreloadDependencyMissing = errors.New("preload orchestrator: static loader, image cache, and coordinator are required")

// PreloadDeps groups constructor parameters for the preload orchestrator.
type PreloadDeps struct {
	Static      StaticContentLoader
	Images      ImageDimensionCache
	Coordinator CacheCoordinator
	Keys        []domain.ContentKey
	Concurrency int
	Logger      *zap.Logger
	Meter       metric.Meter
}

type preloadOrchestrator struct {
	static      StaticContentLoader
	images      ImageDimensionCache
	coordinator CacheCoordinator
	keys        []domain.ContentKey
	concurrency int
	logger      *zap.Logger

	staticLoaded atomic.Int64
	imageLoaded  atomic.Int64
	accounted    metric.Int64Counter

	startOnce sync.Once
	done      chan struct{}
}

// NewPreloadOrchestrator constructs an orchestrator over the given keys, defaulting to the full
// matrix.
func NewPreloadOrchestrator(deps PreloadDeps) (PreloadOrchestrator, error) {
	if deps.Static == nil || deps.Images == nil || deps.Coordinator == nil {
		return nil, ErrPreloadDependencyMissing
	}
	keys := deps.Keys
	if len(keys) == 0 {
		keys = domain.AllContentKeys()
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultPreloadConcurrency
	}
	meter := deps.Meter
	if meter == nil {
		meter = observability.Meter()
	}
	return &preloadOrchestrator{
		static:      deps.Static,
		images:      deps.Images,
		coordinator: deps.Coordinator,
		keys:        append([]domain.ContentKey(nil), keys...),
		concurrency: concurrency,
		logger:      observability.OrNop(deps.Logger),
		accounted:   observability.Int64Counter(meter, "dodji.preload.accounted", "Preload steps accounted for, by stage."),
		done:        make(chan struct{}),
	}, nil
}

// Start kicks off the preload in the background. Only the first call has an effect.
func (o *preloadOrchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		if err := o.coordinator.Start(ctx); err != nil {
			o.logger.Warn("static subscriptions incomplete", zap.Error(err))
		}
		go o.run(context.WithoutCancel(ctx))
	})
}

func (o *preloadOrchestrator) run(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, "preload.run", attribute.Int("keys", len(o.keys)))
	defer span.End()

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, key := range o.keys {
		g.Go(func() error {
			o.preloadKey(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("preload complete",
		zap.Int64("static_loaded", o.staticLoaded.Load()),
		zap.Int64("image_loaded", o.imageLoaded.Load()),
	)
	close(o.done)
}

// preloadKey accounts for exactly one static step and one image step, whatever their outcome.
func (o *preloadOrchestrator) preloadKey(ctx context.Context, key domain.ContentKey) {
	uri := ""
	entry, err := o.static.FetchStatic(ctx, key)
	if err != nil {
		o.logger.Warn("static preload failed", zap.String("content_key", key.ID()), zap.Error(err))
		if current, ok := o.coordinator.GetEntry(key); ok && current.Static != nil {
			uri = current.Static.BackgroundImage
		} else {
			o.coordinator.PutStatic(key, domain.StaticEntry{
				Key:       key,
				Positions: map[string]domain.Position{},
				Courses:   map[string]domain.CourseDefinition{},
			})
		}
	} else {
		o.coordinator.PutStatic(key, entry)
		uri = entry.BackgroundImage
	}
	o.staticLoaded.Add(1)
	o.accounted.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "static")))

	image, err := o.images.Load(ctx, key, uri)
	if err != nil {
		o.logger.Warn("image preload interrupted", zap.String("content_key", key.ID()), zap.Error(err))
	} else if image.Error != "" {
		o.logger.Debug("image preload errored", zap.String("content_key", key.ID()), zap.String("reason", image.Error))
	}
	o.imageLoaded.Add(1)
	o.accounted.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "image")))
}

// SetUser forwards a session change to the coordinator. It may be called before, during, or after
// the preload.
func (o *preloadOrchestrator) SetUser(ctx context.Context, userID string) error {
	return o.coordinator.Activate(ctx, userID)
}

func (o *preloadOrchestrator) StaticLoadedCount() int {
	return int(o.staticLoaded.Load())
}

func (o *preloadOrchestrator) ImageLoadedCount() int {
	return int(o.imageLoaded.Load())
}

func (o *preloadOrchestrator) Progress() float64 {
	total := 2 * len(o.keys)
	if total == 0 {
		return 1
	}
	return float64(o.staticLoaded.Load()+o.imageLoaded.Load()) / float64(total)
}

func (o *preloadOrchestrator) IsComplete() bool {
	n := int64(len(o.keys))
	return o.staticLoaded.Load() >= n && o.imageLoaded.Load() >= n
}

func (o *preloadOrchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *preloadOrchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
