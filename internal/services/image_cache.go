package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/observability"
)

const (
	defaultViewportWidth  = 390
	defaultReferenceWidth = 1024
)

var (
	// ErrImageSourceMissing signals that no image source was configured.
	ErrImageSourceMissing = errors.New("image cache: image source is not configured")
	errNoBackgroundImage  = errors.New("no background image")
)

// ImageCacheDeps groups constructor parameters for the image dimension cache.
type ImageCacheDeps struct {
	Source         ImageSource
	ViewportWidth  int
	ReferenceWidth int
	Logger         *zap.Logger
	Meter          metric.Meter
}

type imageSlot struct {
	entry domain.ImageCacheEntry
	done  chan struct{}
}

type imageCache struct {
	source    ImageSource
	viewport  int
	reference int
	logger    *zap.Logger
	outcomes  metric.Int64Counter

	group singleflight.Group

	mu      sync.Mutex
	entries map[domain.ContentKey]*imageSlot
}

// NewImageCache constructs the process-scoped image dimension cache.
func NewImageCache(deps ImageCacheDeps) (ImageDimensionCache, error) {
	if deps.Source == nil {
		return nil, ErrImageSourceMissing
	}
	viewport := deps.ViewportWidth
	if viewport <= 0 {
		viewport = defaultViewportWidth
	}
	reference := deps.ReferenceWidth
	if reference <= 0 {
		reference = defaultReferenceWidth
	}
	meter := deps.Meter
	if meter == nil {
		meter = observability.Meter()
	}
	return &imageCache{
		source:    deps.Source,
		viewport:  viewport,
		reference: reference,
		logger:    observability.OrNop(deps.Logger),
		outcomes:  observability.Int64Counter(meter, "dodji.image.fetches", "Background image fetch outcomes."),
		entries:   make(map[domain.ContentKey]*imageSlot),
	}, nil
}

// Fit scales an image to the smaller of the viewport and reference widths, preserving its aspect
// ratio. Non-positive natural sizes or widths yield zero.
func Fit(naturalWidth, naturalHeight, viewportWidth, referenceWidth int) (fitWidth, fitHeight int) {
	if naturalWidth <= 0 || naturalHeight <= 0 {
		return 0, 0
	}
	target := viewportWidth
	if referenceWidth > 0 && (target <= 0 || referenceWidth < target) {
		target = referenceWidth
	}
	if target <= 0 {
		return 0, 0
	}
	height := math.Round(float64(naturalHeight) * float64(target) / float64(naturalWidth))
	return target, int(height)
}

func (c *imageCache) Ensure(key domain.ContentKey, uri string) {
	slot, start := c.begin(key, uri)
	if !start {
		return
	}
	go c.fetch(context.Background(), key, uri, slot)
}

func (c *imageCache) Load(ctx context.Context, key domain.ContentKey, uri string) (domain.ImageCacheEntry, error) {
	slot, start := c.begin(key, uri)
	if start {
		go c.fetch(context.WithoutCancel(ctx), key, uri, slot)
	}
	select {
	case <-slot.done:
	case <-ctx.Done():
		entry, _ := c.Get(key)
		return entry, ctx.Err()
	}
	entry, _ := c.Get(key)
	return entry, nil
}

func (c *imageCache) Get(key domain.ContentKey) (domain.ImageCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.entries[key]
	if !ok {
		return domain.ImageCacheEntry{}, false
	}
	return copyImageEntry(slot.entry), true
}

// begin returns the slot to wait on and whether the caller must run the fetch. Loaded and
// loading slots are reused; absent and errored slots are replaced.
func (c *imageCache) begin(key domain.ContentKey, uri string) (*imageSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok := c.entries[key]; ok && (slot.entry.IsLoaded || slot.entry.IsLoading) {
		return slot, false
	}
	slot := &imageSlot{
		entry: domain.ImageCacheEntry{URI: strings.TrimSpace(uri), IsLoading: true},
		done:  make(chan struct{}),
	}
	c.entries[key] = slot
	return slot, true
}

func (c *imageCache) fetch(ctx context.Context, key domain.ContentKey, uri string, slot *imageSlot) {
	ctx, span := observability.StartSpan(ctx, "image_cache.fetch", attribute.String("content_key", key.ID()))
	uri = strings.TrimSpace(uri)

	var (
		cfg image.Config
		err error
	)
	if uri == "" {
		err = errNoBackgroundImage
	} else {
		var v any
		// The flight is shared across keys, so no single caller may cancel it.
		v, err, _ = c.group.Do(uri, func() (any, error) {
			return c.probe(context.WithoutCancel(ctx), uri)
		})
		if err == nil {
			cfg = v.(image.Config)
		}
	}
	observability.EndSpan(span, err)

	entry := domain.ImageCacheEntry{URI: uri}
	if err != nil {
		entry.Error = err.Error()
		c.logger.Warn("background image fetch failed",
			zap.String("content_key", key.ID()),
			zap.String("uri", uri),
			zap.Error(err),
		)
		c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
	} else {
		fitW, fitH := Fit(cfg.Width, cfg.Height, c.viewport, c.reference)
		entry.IsLoaded = true
		entry.Dimensions = &domain.ImageDimensions{
			NaturalWidth:  cfg.Width,
			NaturalHeight: cfg.Height,
			FitWidth:      fitW,
			FitHeight:     fitH,
		}
		c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "loaded")))
	}

	c.mu.Lock()
	slot.entry = entry
	c.mu.Unlock()
	close(slot.done)
}

func (c *imageCache) probe(ctx context.Context, uri string) (image.Config, error) {
	rc, err := c.source.Open(ctx, uri)
	if err != nil {
		return image.Config{}, fmt.Errorf("open %s: %w", uri, err)
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return image.Config{}, fmt.Errorf("decode %s: %w", uri, err)
	}
	return cfg, nil
}

func copyImageEntry(entry domain.ImageCacheEntry) domain.ImageCacheEntry {
	if entry.Dimensions != nil {
		dims := *entry.Dimensions
		entry.Dimensions = &dims
	}
	return entry
}
