package services

import (
	"context"
	"io"

	"github.com/dodji-app/core/internal/docstore"
	domain "github.com/dodji-app/core/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	ContentKey              = domain.ContentKey
	StaticEntry             = domain.StaticEntry
	UserOverlay             = domain.UserOverlay
	MediaCounts             = domain.MediaCounts
	CacheEntry              = domain.CacheEntry
	MergedCourse            = domain.MergedCourse
	ImageCacheEntry         = domain.ImageCacheEntry
	StreakEligibilityResult = domain.StreakEligibilityResult
	RewardEvent             = domain.RewardEvent
)

// ImageSource opens the raw bytes of a background image reference.
type ImageSource interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ImageDimensionCache tracks the fetch state and fitted size of each key's background image.
type ImageDimensionCache interface {
	// Ensure starts a fetch in the background unless one is loading or already succeeded.
	Ensure(key ContentKey, uri string)
	// Load behaves like Ensure but blocks until the fetch settles or ctx ends. Cancelling ctx
	// abandons the wait, not the fetch.
	Load(ctx context.Context, key ContentKey, uri string) (ImageCacheEntry, error)
	Get(key ContentKey) (ImageCacheEntry, bool)
}

// StaticContentLoader reads the user-independent definition of each key.
type StaticContentLoader interface {
	FetchStatic(ctx context.Context, key ContentKey) (StaticEntry, error)
	SubscribeStatic(ctx context.Context, key ContentKey, onChange func(StaticEntry), onError func(error)) (docstore.Unsubscribe, error)
}

// UserOverlayLoader streams per-user course status and media counters. The media callback
// reports whether the counter document exists.
type UserOverlayLoader interface {
	SubscribeOverlay(ctx context.Context, userID string, key ContentKey, onChange func(UserOverlay), onError func(error)) (docstore.Unsubscribe, error)
	SubscribeCourseMedia(ctx context.Context, userID, courseID string, onChange func(MediaCounts, bool), onError func(error)) (docstore.Unsubscribe, error)
}

// CacheCoordinator owns every subscription and serves merged entries by key.
type CacheCoordinator interface {
	// Start opens one static subscription per key. Calling it again is a no-op.
	Start(ctx context.Context) error
	GetEntry(key ContentKey) (CacheEntry, bool)
	// Activate switches the session user. An empty userID logs out.
	Activate(ctx context.Context, userID string) error
	// PutStatic seeds a fetched snapshot unless a newer one is already held.
	PutStatic(key ContentKey, entry StaticEntry)
	UserID() string
	Teardown()
}

// PreloadOrchestrator eagerly loads every key's static content and image.
type PreloadOrchestrator interface {
	Start(ctx context.Context)
	SetUser(ctx context.Context, userID string) error
	StaticLoadedCount() int
	ImageLoadedCount() int
	Progress() float64
	IsComplete() bool
	Done() <-chan struct{}
	Wait(ctx context.Context) error
}

// StreakEngine runs the daily check/claim protocol.
type StreakEngine interface {
	CheckEligibility(ctx context.Context, userID string) (StreakEligibilityResult, error)
	Claim(ctx context.Context, userID string, result StreakEligibilityResult) error
	RecordLogin(ctx context.Context, userID string) error
	Reset(ctx context.Context, userID string) error
	State(userID string) domain.StreakState
	Pending(userID string) (StreakEligibilityResult, bool)
}

// RewardPublisher forwards committed claims to asynchronous consumers.
type RewardPublisher interface {
	PublishReward(ctx context.Context, event RewardEvent) error
}
