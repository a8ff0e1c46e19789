package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/dodji-app/core/internal/docstore"
	"github.com/dodji-app/core/internal/handlers"
	"github.com/dodji-app/core/internal/platform/auth"
	"github.com/dodji-app/core/internal/platform/config"
	"github.com/dodji-app/core/internal/platform/observability"
	"github.com/dodji-app/core/internal/services"
)

// Infrastructure is the set of external adapters the sync core runs on. Production wiring backs
// them with Firestore, Cloud Storage and Pub/Sub; tests use in-memory fakes.
type Infrastructure struct {
	Store     docstore.Store
	Images    services.ImageSource
	Publisher services.RewardPublisher
	Verifier  auth.TokenVerifier
	Logger    *zap.Logger
	Meter     metric.Meter
	// Closers run in reverse order on Close.
	Closers []func() error
}

// Services bundles the sync-core components.
type Services struct {
	Images      services.ImageDimensionCache
	Static      services.StaticContentLoader
	Overlay     services.UserOverlayLoader
	Coordinator services.CacheCoordinator
	Preload     services.PreloadOrchestrator
	Streak      services.StreakEngine
}

// Container owns the runtime graph.
type Container struct {
	Config   config.Config
	Services Services
	Auth     *auth.Authenticator

	logger  *zap.Logger
	closers []func() error
}

var errStoreRequired = errors.New("di: document store is required")

// NewContainer builds every component from cfg and infra.
func NewContainer(ctx context.Context, cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Store == nil {
		return nil, errStoreRequired
	}
	logger := observability.OrNop(infra.Logger)
	meter := infra.Meter
	if meter == nil {
		meter = observability.Meter()
	}

	svc, err := buildServices(cfg, infra, logger, meter)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:   cfg,
		Services: svc,
		logger:   logger,
		closers:  infra.Closers,
	}
	if infra.Verifier != nil {
		c.Auth = auth.NewAuthenticator(infra.Verifier, auth.WithAuthLogger(logger.Named("auth")))
	}
	return c, nil
}

func buildServices(cfg config.Config, infra Infrastructure, logger *zap.Logger, meter metric.Meter) (Services, error) {
	var svc Services
	var err error

	if infra.Images == nil {
		return svc, fmt.Errorf("di: %w", services.ErrImageSourceMissing)
	}
	svc.Images, err = services.NewImageCache(services.ImageCacheDeps{
		Source:         infra.Images,
		ViewportWidth:  cfg.Display.ViewportWidth,
		ReferenceWidth: cfg.Display.ReferenceWidth,
		Logger:         logger.Named("images"),
		Meter:          meter,
	})
	if err != nil {
		return svc, fmt.Errorf("di: image cache: %w", err)
	}

	svc.Static, err = services.NewStaticContentLoader(services.StaticLoaderDeps{
		Store:  infra.Store,
		Logger: logger.Named("static"),
	})
	if err != nil {
		return svc, fmt.Errorf("di: static loader: %w", err)
	}

	svc.Overlay, err = services.NewUserOverlayLoader(services.OverlayLoaderDeps{
		Store:  infra.Store,
		Logger: logger.Named("overlay"),
	})
	if err != nil {
		return svc, fmt.Errorf("di: overlay loader: %w", err)
	}

	svc.Coordinator, err = services.NewCacheCoordinator(services.CoordinatorDeps{
		Static:  svc.Static,
		Overlay: svc.Overlay,
		Images:  svc.Images,
		Logger:  logger.Named("coordinator"),
	})
	if err != nil {
		return svc, fmt.Errorf("di: cache coordinator: %w", err)
	}

	svc.Preload, err = services.NewPreloadOrchestrator(services.PreloadDeps{
		Static:      svc.Static,
		Images:      svc.Images,
		Coordinator: svc.Coordinator,
		Concurrency: cfg.Preload.Concurrency,
		Logger:      logger.Named("preload"),
		Meter:       meter,
	})
	if err != nil {
		return svc, fmt.Errorf("di: preload orchestrator: %w", err)
	}

	svc.Streak, err = services.NewStreakEngine(services.StreakEngineDeps{
		Store:     infra.Store,
		Publisher: infra.Publisher,
		Location:  cfg.Streak.Location(),
		Rewards: services.RewardSchedule{
			Small:  cfg.Streak.SmallReward,
			Medium: cfg.Streak.MediumReward,
			Large:  cfg.Streak.LargeReward,
		},
		Logger: logger.Named("streak"),
		Meter:  meter,
	})
	if err != nil {
		return svc, fmt.Errorf("di: streak engine: %w", err)
	}

	return svc, nil
}

// Router assembles the HTTP surface over the container's services.
func (c *Container) Router(build handlers.BuildInfo) http.Handler {
	svc := c.Services
	return handlers.NewRouter(
		handlers.WithMiddlewares(observability.RequestLogger(c.logger.Named("http"))),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthPreload(svc.Preload),
			handlers.WithHealthBuildInfo(build),
		)),
		handlers.WithTreeRoutes(handlers.NewTreeHandlers(c.Auth, svc.Coordinator, svc.Preload).Routes),
		handlers.WithSessionRoutes(handlers.NewSessionHandlers(c.Auth, svc.Preload, svc.Coordinator, svc.Streak).Routes),
		handlers.WithStreakRoutes(handlers.NewStreakHandlers(c.Auth, svc.Streak).Routes),
	)
}

// Close tears down subscriptions, then the infrastructure clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Services.Coordinator != nil {
		c.Services.Coordinator.Teardown()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
