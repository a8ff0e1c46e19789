package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dodji-app/core/internal/di"
	"github.com/dodji-app/core/internal/handlers"
	"github.com/dodji-app/core/internal/platform/auth"
	"github.com/dodji-app/core/internal/platform/config"
	pfirestore "github.com/dodji-app/core/internal/platform/firestore"
	"github.com/dodji-app/core/internal/platform/jobs"
	"github.com/dodji-app/core/internal/platform/observability"
	"github.com/dodji-app/core/internal/platform/secrets"
	platformstorage "github.com/dodji-app/core/internal/platform/storage"
)

var (
	version   = "dev"
	commitSHA = ""
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("dodji")
	ctx = observability.WithLogger(ctx, logger)

	resolver, err := newSecretResolver(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	infra, err := buildInfrastructure(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise infrastructure", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, infra)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	preload := container.Services.Preload
	preload.Start(ctx)
	go func() {
		<-preload.Done()
		logger.Info("preload complete",
			zap.Int("static", preload.StaticLoadedCount()),
			zap.Int("images", preload.ImageLoadedCount()),
		)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	if !cfg.Server.Enabled {
		<-shutdown
		logger.Info("shutdown signal received")
		return
	}

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: container.Router(handlers.BuildInfo{
			Version:     version,
			CommitSHA:   commitSHA,
			Environment: cfg.Secrets.Environment,
			StartedAt:   startedAt,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("dodji sync core listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
}

func buildInfrastructure(ctx context.Context, cfg config.Config, logger *zap.Logger) (di.Infrastructure, error) {
	infra := di.Infrastructure{
		Logger: logger,
		Meter:  observability.Meter(),
	}

	provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithProviderLogger(logger.Named("firestore")))
	infra.Closers = append(infra.Closers, provider.Close)
	store, err := pfirestore.NewStore(provider, pfirestore.WithStoreLogger(logger.Named("firestore")))
	if err != nil {
		return infra, fmt.Errorf("firestore store: %w", err)
	}
	infra.Store = store

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return infra, fmt.Errorf("storage client: %w", err)
	}
	infra.Closers = append(infra.Closers, storageClient.Close)
	objects, err := platformstorage.NewObjectReader(storageClient, cfg.Storage.ImagesBucket)
	if err != nil {
		return infra, fmt.Errorf("storage reader: %w", err)
	}
	infra.Images = platformstorage.NewRouter(objects, platformstorage.NewHTTPSource(nil))

	if topicID := strings.TrimSpace(cfg.PubSub.RewardTopic); topicID != "" && cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return infra, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(topicID)
		infra.Closers = append(infra.Closers, client.Close, func() error {
			topic.Stop()
			return nil
		})
		publisher, err := jobs.NewPubSubRewardPublisher(topic)
		if err != nil {
			return infra, err
		}
		infra.Publisher = publisher
	} else {
		logger.Info("reward events disabled: pubsub topic not configured")
	}

	if cfg.Firebase.ProjectID != "" {
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return infra, fmt.Errorf("firebase verifier: %w", err)
		}
		infra.Verifier = verifier
	} else {
		logger.Warn("firebase project not configured; session and streak routes reject every request")
	}

	return infra, nil
}

// newSecretResolver is built from the raw environment because config.Load needs it to resolve
// secret:// values.
func newSecretResolver(ctx context.Context, logger *zap.Logger) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	}

	defaultProject := lookup("DODJI_SECRETS_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("DODJI_FIREBASE_PROJECT_ID")
	}
	fallbackFile := lookup("DODJI_SECRETS_FALLBACK_FILE")
	if fallbackFile == "" {
		fallbackFile = ".secrets.local"
	}

	return secrets.NewResolver(ctx, secrets.ResolverDeps{
		Environment:    lookup("DODJI_ENVIRONMENT"),
		Projects:       parseKeyValueList(lookup("DODJI_SECRETS_PROJECTS")),
		DefaultProject: defaultProject,
		FallbackFile:   fallbackFile,
		Logger:         logger.Named("secrets"),
		Meter:          observability.Meter(),
	})
}

func parseKeyValueList(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
