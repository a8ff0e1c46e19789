package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dodji-app/core/internal/docstore"
	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/observability"
)

var (
	// ErrCoordinatorClosed is returned by Activate after Teardown.
	ErrCoordinatorClosed = errors.New("cache coordinator: torn down")
	// ErrCoordinatorLoaderMissing signals that a loader dependency is absent.
	ErrCoordinatorLoaderMissing = errors.New("cache coordinator: static and overlay loaders are required")
)

// CoordinatorDeps groups constructor parameters for the cache coordinator.
type CoordinatorDeps struct {
	Static  StaticContentLoader
	Overlay UserOverlayLoader
	Images  ImageDimensionCache
	// Keys defaults to the full section × level matrix.
	Keys   []domain.ContentKey
	Logger *zap.Logger
}

// mediaSub is a media stream slot. unsub is nil while the subscription is being opened.
type mediaSub struct {
	unsub docstore.Unsubscribe
	token uint64
}

type keyState struct {
	static        *domain.StaticEntry
	overlay       *domain.UserOverlay
	media         map[string]domain.MediaCounts
	entry         domain.CacheEntry
	needsUserData bool

	unsubStatic  docstore.Unsubscribe
	unsubOverlay docstore.Unsubscribe
	mediaSubs    map[string]*mediaSub
}

type mediaAdd struct {
	courseID string
	token    uint64
}

// mediaPlan is computed under the lock and applied outside it.
type mediaPlan struct {
	key    domain.ContentKey
	userID string
	gen    uint64
	add    []mediaAdd
	remove []docstore.Unsubscribe
}

type cacheCoordinator struct {
	static  StaticContentLoader
	overlay UserOverlayLoader
	images  ImageDimensionCache
	keys    []domain.ContentKey
	logger  *zap.Logger

	// activateMu serialises session transitions so teardown of one user always finishes before
	// the next user's subscriptions are opened.
	activateMu sync.Mutex

	mu         sync.Mutex
	states     map[domain.ContentKey]*keyState
	userID     string
	generation uint64
	nextToken  uint64
	subCtx     context.Context
	started    bool
	closed     bool
}

// NewCacheCoordinator constructs an isolated coordinator. Nothing is subscribed until Start or
// Activate is called.
func NewCacheCoordinator(deps CoordinatorDeps) (CacheCoordinator, error) {
	if deps.Static == nil || deps.Overlay == nil {
		return nil, ErrCoordinatorLoaderMissing
	}
	keys := deps.Keys
	if len(keys) == 0 {
		keys = domain.AllContentKeys()
	}
	c := &cacheCoordinator{
		static:  deps.Static,
		overlay: deps.Overlay,
		images:  deps.Images,
		keys:    append([]domain.ContentKey(nil), keys...),
		logger:  observability.OrNop(deps.Logger),
		states:  make(map[domain.ContentKey]*keyState, len(keys)),
		subCtx:  context.Background(),
	}
	for _, key := range c.keys {
		st := &keyState{
			media:         map[string]domain.MediaCounts{},
			mediaSubs:     map[string]*mediaSub{},
			needsUserData: true,
		}
		st.entry = buildEntry(key, st)
		c.states[key] = st
	}
	return c, nil
}

// Merge recomputes the merged courses of a key from the latest static snapshot, overlay snapshot,
// and live media counters. Media counters win over overlay counts, which win over the number of
// media references in the definition. Courses without an overlay record are blocked.
func Merge(static *domain.StaticEntry, overlay *domain.UserOverlay, media map[string]domain.MediaCounts) map[string]domain.MergedCourse {
	merged := map[string]domain.MergedCourse{}
	if static == nil {
		return merged
	}
	for ordinal, def := range static.Courses {
		if def.Media != nil {
			def.Media = append([]string(nil), def.Media...)
		}
		course := domain.MergedCourse{
			Definition:      def,
			Status:          domain.CourseStatusBlocked,
			TotalMediaCount: len(def.Media),
		}
		if overlay != nil {
			if progress, ok := overlay.Courses[def.ID]; ok {
				course.Status = progress.Status
				course.CompletedMediaCount = progress.CompletedMediaCount
				if progress.TotalMediaCount > 0 {
					course.TotalMediaCount = progress.TotalMediaCount
				}
			}
		}
		if counts, ok := media[def.ID]; ok {
			course.CompletedMediaCount = counts.CompletedMediaCount
			if counts.TotalMediaCount > 0 {
				course.TotalMediaCount = counts.TotalMediaCount
			}
		}
		merged[ordinal] = course
	}
	return merged
}

func buildEntry(key domain.ContentKey, st *keyState) domain.CacheEntry {
	entry := domain.CacheEntry{
		Key:           key,
		Courses:       Merge(st.static, st.overlay, st.media),
		IsStaticOnly:  st.overlay == nil,
		NeedsUserData: st.needsUserData,
	}
	if st.static != nil {
		static := st.static.Clone()
		entry.Static = &static
	}
	return entry
}

func (c *cacheCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	subCtx := context.WithoutCancel(ctx)
	var errs []error
	for _, key := range c.keys {
		unsub, err := c.static.SubscribeStatic(subCtx, key,
			func(entry domain.StaticEntry) { c.applyStatic(key, entry, true) },
			func(err error) { c.upstreamError("static", key, err) },
		)
		if err != nil {
			c.logger.Warn("static subscription failed", zap.String("content_key", key.ID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("subscribe static %s: %w", key.ID(), err))
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			unsub()
			continue
		}
		c.states[key].unsubStatic = unsub
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *cacheCoordinator) GetEntry(key domain.ContentKey) (domain.CacheEntry, bool) {
	c.mu.Lock()
	st, ok := c.states[key]
	if !ok || st.static == nil {
		c.mu.Unlock()
		return domain.CacheEntry{}, false
	}
	entry := cloneEntry(st.entry)
	c.mu.Unlock()

	if c.images != nil {
		if image, ok := c.images.Get(key); ok {
			entry.Image = &image
		}
	}
	return entry, true
}

func (c *cacheCoordinator) PutStatic(key domain.ContentKey, entry domain.StaticEntry) {
	c.applyStatic(key, entry, false)
}

func (c *cacheCoordinator) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *cacheCoordinator) Activate(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)

	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	var stale []docstore.Unsubscribe
	if userID != c.userID {
		stale = c.detachUserLocked()
		c.userID = userID
		c.logger.Info("cache session switched", zap.Bool("authenticated", userID != ""))
	}
	gen := c.generation
	c.subCtx = context.WithoutCancel(ctx)
	var pending []domain.ContentKey
	if userID != "" {
		for _, key := range c.keys {
			st := c.states[key]
			if st.needsUserData {
				st.needsUserData = false
				st.entry = buildEntry(key, st)
				pending = append(pending, key)
			}
		}
	}
	subCtx := c.subCtx
	c.mu.Unlock()

	// Previous-session streams stop before any new one is opened.
	for _, unsub := range stale {
		unsub()
	}

	var errs []error
	for _, key := range pending {
		unsub, err := c.overlay.SubscribeOverlay(subCtx, userID, key,
			func(overlay domain.UserOverlay) { c.applyOverlay(key, gen, overlay) },
			func(err error) { c.upstreamError("overlay", key, err) },
		)

		c.mu.Lock()
		current := !c.closed && c.generation == gen
		if err != nil {
			if current {
				st := c.states[key]
				st.needsUserData = true
				st.entry = buildEntry(key, st)
			}
			c.mu.Unlock()
			c.logger.Warn("overlay subscription failed", zap.String("content_key", key.ID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("subscribe overlay %s: %w", key.ID(), err))
			continue
		}
		if !current {
			c.mu.Unlock()
			unsub()
			continue
		}
		c.states[key].unsubOverlay = unsub
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *cacheCoordinator) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.detachUserLocked()
	for _, st := range c.states {
		if st.unsubStatic != nil {
			unsubs = append(unsubs, st.unsubStatic)
			st.unsubStatic = nil
		}
	}
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.logger.Debug("cache coordinator torn down", zap.Int("subscriptions", len(unsubs)))
}

// detachUserLocked invalidates every overlay and media stream of the current session and reverts
// entries to static-only. The returned functions must be called after releasing mu.
func (c *cacheCoordinator) detachUserLocked() []docstore.Unsubscribe {
	c.generation++
	var unsubs []docstore.Unsubscribe
	for key, st := range c.states {
		if st.unsubOverlay != nil {
			unsubs = append(unsubs, st.unsubOverlay)
			st.unsubOverlay = nil
		}
		for courseID, sub := range st.mediaSubs {
			if sub.unsub != nil {
				unsubs = append(unsubs, sub.unsub)
			}
			delete(st.mediaSubs, courseID)
		}
		st.overlay = nil
		st.media = map[string]domain.MediaCounts{}
		st.needsUserData = true
		st.entry = buildEntry(key, st)
	}
	return unsubs
}

func (c *cacheCoordinator) applyStatic(key domain.ContentKey, entry domain.StaticEntry, fromStream bool) {
	c.mu.Lock()
	st, ok := c.states[key]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	// Stream snapshots arrive in order. A seeded fetch only wins when it is not older.
	if !fromStream && st.static != nil && entry.UpdatedAt.Before(st.static.UpdatedAt) {
		c.mu.Unlock()
		return
	}
	previousImage := ""
	if st.static != nil {
		previousImage = st.static.BackgroundImage
	}
	entry.Key = key
	static := entry.Clone()
	st.static = &static
	plan := c.reconcileMediaLocked(key, st)
	st.entry = buildEntry(key, st)
	subCtx := c.subCtx
	c.mu.Unlock()

	// A live background change is fetched here. Seeds are loaded by the preload orchestrator.
	if fromStream && c.images != nil {
		if _, known := c.images.Get(key); !known || previousImage != entry.BackgroundImage {
			c.images.Ensure(key, entry.BackgroundImage)
		}
	}
	c.applyMediaPlan(subCtx, plan)
}

func (c *cacheCoordinator) applyOverlay(key domain.ContentKey, gen uint64, overlay domain.UserOverlay) {
	c.mu.Lock()
	st, ok := c.states[key]
	if !ok || c.closed || gen != c.generation || overlay.UserID != c.userID {
		c.mu.Unlock()
		return
	}
	st.overlay = &overlay
	plan := c.reconcileMediaLocked(key, st)
	st.entry = buildEntry(key, st)
	subCtx := c.subCtx
	c.mu.Unlock()

	c.applyMediaPlan(subCtx, plan)
}

func (c *cacheCoordinator) applyMedia(key domain.ContentKey, courseID string, gen, token uint64, counts domain.MediaCounts, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || c.closed || gen != c.generation {
		return
	}
	sub, ok := st.mediaSubs[courseID]
	if !ok || sub.token != token {
		return
	}
	if exists {
		st.media[courseID] = counts
	} else {
		delete(st.media, courseID)
	}
	st.entry = buildEntry(key, st)
}

// reconcileMediaLocked diffs the live media streams of a key against the courses currently known
// from the static definition and the overlay. New courses get a pending placeholder so concurrent
// callbacks cannot subscribe twice.
func (c *cacheCoordinator) reconcileMediaLocked(key domain.ContentKey, st *keyState) mediaPlan {
	plan := mediaPlan{key: key, userID: c.userID, gen: c.generation}

	desired := map[string]struct{}{}
	if c.userID != "" && st.overlay != nil {
		if st.static != nil {
			for _, def := range st.static.Courses {
				if def.ID != "" {
					desired[def.ID] = struct{}{}
				}
			}
		}
		for courseID := range st.overlay.Courses {
			desired[courseID] = struct{}{}
		}
	}

	for courseID, sub := range st.mediaSubs {
		if _, ok := desired[courseID]; ok {
			continue
		}
		if sub.unsub != nil {
			plan.remove = append(plan.remove, sub.unsub)
		}
		delete(st.mediaSubs, courseID)
		delete(st.media, courseID)
	}
	for courseID := range desired {
		if _, ok := st.mediaSubs[courseID]; ok {
			continue
		}
		c.nextToken++
		st.mediaSubs[courseID] = &mediaSub{token: c.nextToken}
		plan.add = append(plan.add, mediaAdd{courseID: courseID, token: c.nextToken})
	}
	return plan
}

func (c *cacheCoordinator) applyMediaPlan(ctx context.Context, plan mediaPlan) {
	for _, unsub := range plan.remove {
		unsub()
	}
	for _, add := range plan.add {
		unsub, err := c.overlay.SubscribeCourseMedia(ctx, plan.userID, add.courseID,
			func(counts domain.MediaCounts, exists bool) {
				c.applyMedia(plan.key, add.courseID, plan.gen, add.token, counts, exists)
			},
			func(err error) { c.upstreamError("course_media", plan.key, err) },
		)

		c.mu.Lock()
		st := c.states[plan.key]
		sub, ok := st.mediaSubs[add.courseID]
		current := ok && sub.token == add.token && !c.closed && c.generation == plan.gen
		if err != nil {
			if current {
				delete(st.mediaSubs, add.courseID)
			}
			c.mu.Unlock()
			c.logger.Warn("course media subscription failed",
				zap.String("content_key", plan.key.ID()),
				zap.String("course_id", add.courseID),
				zap.Error(err),
			)
			continue
		}
		if !current {
			c.mu.Unlock()
			unsub()
			continue
		}
		sub.unsub = unsub
		c.mu.Unlock()
	}
}

// upstreamError keeps the last merged entry in place.
func (c *cacheCoordinator) upstreamError(source string, key domain.ContentKey, err error) {
	c.logger.Warn("upstream subscription error, serving last known entry",
		zap.String("source", source),
		zap.String("content_key", key.ID()),
		zap.Error(err),
	)
}

func cloneEntry(entry domain.CacheEntry) domain.CacheEntry {
	out := entry
	if entry.Static != nil {
		static := entry.Static.Clone()
		out.Static = &static
	}
	out.Courses = make(map[string]domain.MergedCourse, len(entry.Courses))
	for ordinal, course := range entry.Courses {
		if course.Definition.Media != nil {
			course.Definition.Media = append([]string(nil), course.Definition.Media...)
		}
		out.Courses[ordinal] = course
	}
	return out
}
