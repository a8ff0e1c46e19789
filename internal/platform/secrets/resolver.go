// Package secrets resolves secret:// configuration values against Cloud Secret Manager, falling
// back to a local key=value file when the remote is unreachable.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dodji-app/core/internal/platform/observability"
)

const latestVersion = "latest"

var (
	// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file holds a value.
	ErrSecretNotFound = errors.New("secrets: secret not found")
	// ErrInvalidReference rejects values that are not secret:// or sm:// references.
	ErrInvalidReference = errors.New("secrets: invalid reference")
)

// AccessClient is the slice of the Secret Manager client the resolver needs.
type AccessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var dialSecretManager = func(ctx context.Context) (AccessClient, error) {
	return secretmanager.NewClient(ctx)
}

// ResolverDeps groups constructor parameters for the resolver.
type ResolverDeps struct {
	// Client overrides the dialled Secret Manager client.
	Client AccessClient

	// Environment picks the project from Projects, e.g. "prod" or "staging".
	Environment    string
	Projects       map[string]string
	DefaultProject string

	// FallbackFile holds name=value lines used offline. A missing file is not an error.
	FallbackFile string
	Logger       *zap.Logger
	Meter        metric.Meter
}

// Resolver implements config.SecretResolver.
type Resolver struct {
	client     AccessClient
	ownsClient bool
	project    string
	logger     *zap.Logger
	resolved   metric.Int64Counter

	fallbackFile string
	fallbackOnce sync.Once
	fallback     map[string]string

	flight singleflight.Group
	mu     sync.RWMutex
	cache  map[string]string
}

// NewResolver builds a Resolver. When Secret Manager cannot be dialled the resolver serves the
// fallback file only.
func NewResolver(ctx context.Context, deps ResolverDeps) (*Resolver, error) {
	logger := observability.OrNop(deps.Logger)
	meter := deps.Meter
	if meter == nil {
		meter = observability.Meter()
	}

	project := strings.TrimSpace(deps.Projects[strings.ToLower(strings.TrimSpace(deps.Environment))])
	if project == "" {
		project = strings.TrimSpace(deps.DefaultProject)
	}

	r := &Resolver{
		client:       deps.Client,
		project:      project,
		logger:       logger,
		resolved:     observability.Int64Counter(meter, "dodji.secrets.resolutions", "Secret resolutions by source."),
		fallbackFile: strings.TrimSpace(deps.FallbackFile),
		cache:        make(map[string]string),
	}
	if r.client == nil && project != "" {
		client, err := dialSecretManager(ctx)
		if err != nil {
			logger.Warn("secret manager unavailable, serving fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the dialled Secret Manager client.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret returns the value behind ref. References look like
// secret://firebase_credentials?version=3&project=dodji-prod; version and project are optional.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, version, project, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	if project == "" {
		project = r.project
	}
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)

	r.mu.RLock()
	value, ok := r.cache[resource]
	r.mu.RUnlock()
	if ok {
		r.count(ctx, "cache")
		return value, nil
	}

	v, err, _ := r.flight.Do(resource, func() (any, error) {
		value, source, err := r.lookup(context.WithoutCancel(ctx), resource, name, project)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[resource] = value
		r.mu.Unlock()
		r.count(ctx, source)
		return value, nil
	})
	if err != nil {
		r.count(ctx, "error")
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) lookup(ctx context.Context, resource, name, project string) (string, string, error) {
	if r.client != nil && project != "" {
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
		switch {
		case err == nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case !remoteUnreachable(err):
			return "", "", fmt.Errorf("secrets: access %s: %w", resource, err)
		}
		r.logger.Debug("secret manager unreachable, using fallback file", zap.String("secret", name), zap.Error(err))
	}

	if value, ok := r.fallbackValue(name); ok {
		return value, "fallback", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// remoteUnreachable reports errors for which the fallback file may answer instead. A secret
// missing from Secret Manager is never papered over.
func remoteUnreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (r *Resolver) fallbackValue(name string) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback = map[string]string{}
		if r.fallbackFile == "" {
			return
		}
		file, err := os.Open(r.fallbackFile)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("secrets fallback file unreadable", zap.String("path", r.fallbackFile), zap.Error(err))
			}
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			if parsed, _, _, err := parseReference(key); err == nil {
				key = parsed
			}
			if key = strings.TrimSpace(key); key != "" {
				r.fallback[key] = strings.TrimSpace(value)
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.Warn("secrets fallback file truncated", zap.String("path", r.fallbackFile), zap.Error(err))
		}
	})
	value, ok := r.fallback[name]
	return value, ok
}

func (r *Resolver) count(ctx context.Context, source string) {
	r.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func parseReference(ref string) (name, version, project string, err error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	}
	u, perr := url.Parse(ref)
	if perr != nil || u.Scheme != "secret" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	name = strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return "", "", "", fmt.Errorf("%w: %q has no secret name", ErrInvalidReference, ref)
	}
	query := u.Query()
	version = strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = latestVersion
	}
	return name, version, strings.TrimSpace(query.Get("project")), nil
}
