package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodji-app/core/internal/docstore"
	domain "github.com/dodji-app/core/internal/domain"
)

var (
	bourseDebutant = domain.ContentKey{Section: domain.SectionBourse, Level: domain.LevelDebutant}
	cryptoExpert   = domain.ContentKey{Section: domain.SectionCrypto, Level: domain.LevelExpert}
)

func TestMerge_DefaultsAndPrecedence(t *testing.T) {
	static := &domain.StaticEntry{
		Courses: map[string]domain.CourseDefinition{
			"1": {ID: "c1", Media: []string{"a", "b"}},
			"2": {ID: "c2", Media: []string{"a", "b", "c", "d"}},
			"3": {ID: "c3", Media: []string{"a"}},
		},
	}
	overlay := &domain.UserOverlay{Courses: map[string]domain.CourseProgress{
		"c2": {Status: domain.CourseStatusCompleted, CompletedMediaCount: 4, TotalMediaCount: 4},
		"c3": {Status: domain.CourseStatusUnlocked, CompletedMediaCount: 0, TotalMediaCount: 6},
	}}
	media := map[string]domain.MediaCounts{"c3": {CompletedMediaCount: 2, TotalMediaCount: 5}}

	merged := Merge(static, overlay, media)

	assert.Equal(t, domain.CourseStatusBlocked, merged["1"].Status)
	assert.Equal(t, 2, merged["1"].TotalMediaCount)
	assert.Equal(t, domain.CourseStatusCompleted, merged["2"].Status)
	assert.Equal(t, 4, merged["2"].CompletedMediaCount)
	assert.Equal(t, 4, merged["2"].TotalMediaCount)
	assert.Equal(t, domain.CourseStatusUnlocked, merged["3"].Status)
	assert.Equal(t, 2, merged["3"].CompletedMediaCount)
	assert.Equal(t, 5, merged["3"].TotalMediaCount)

	assert.Equal(t, merged, Merge(static, overlay, media), "merge must be a pure recompute")
	assert.Empty(t, Merge(nil, overlay, media))
}

func TestCacheCoordinator_MergesOverlayOntoStatic(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedContent(t, store, bourseDebutant, "gs://dodji/bourse.png", threeCourses())
	writeOverlay(t, store, "user-1", bourseDebutant, map[string]any{
		"c2": map[string]any{"status": "completed", "completedMediaCount": 4, "totalMediaCount": 4},
	})

	coord := newTestCoordinator(t, store, bourseDebutant)
	require.NoError(t, coord.Start(context.Background()))

	waitFor(t, func() bool {
		entry, ok := coord.GetEntry(bourseDebutant)
		return ok && len(entry.Courses) == 3
	})
	entry, _ := coord.GetEntry(bourseDebutant)
	assert.True(t, entry.IsStaticOnly)
	assert.True(t, entry.NeedsUserData)

	require.NoError(t, coord.Activate(context.Background(), "user-1"))
	waitFor(t, func() bool {
		entry, _ := coord.GetEntry(bourseDebutant)
		return entry.Courses["2"].Status == domain.CourseStatusCompleted
	})

	entry, ok := coord.GetEntry(bourseDebutant)
	require.True(t, ok)
	require.NotNil(t, entry.Static)
	assert.False(t, entry.IsStaticOnly)
	assert.False(t, entry.NeedsUserData)
	assert.Equal(t, "gs://dodji/bourse.png", entry.Static.BackgroundImage)

	second := entry.Courses["2"]
	assert.Equal(t, domain.CourseStatusCompleted, second.Status)
	assert.Equal(t, 4, second.CompletedMediaCount)
	assert.Equal(t, 4, second.TotalMediaCount)
	assert.Equal(t, domain.CourseStatusBlocked, entry.Courses["1"].Status)
	assert.Equal(t, domain.CourseStatusBlocked, entry.Courses["3"].Status)
	assert.Equal(t, "Intérêts composés", entry.Courses["1"].Definition.Title)
}

func TestCacheCoordinator_LogoutThenLoginDropsPreviousOverlay(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedContent(t, store, bourseDebutant, "gs://dodji/bourse.png", threeCourses())
	writeOverlay(t, store, "user-a", bourseDebutant, map[string]any{
		"c1": map[string]any{"status": "unlocked"},
		"c2": map[string]any{"status": "completed", "completedMediaCount": 4, "totalMediaCount": 4},
	})

	coord := newTestCoordinator(t, store, bourseDebutant)
	require.NoError(t, coord.Start(context.Background()))
	require.NoError(t, coord.Activate(context.Background(), "user-a"))
	waitFor(t, func() bool {
		entry, _ := coord.GetEntry(bourseDebutant)
		return entry.Courses["1"].Status == domain.CourseStatusUnlocked
	})
	waitFor(t, func() bool {
		return store.SubscriberCount(docstore.CourseMediaPath("user-a", "c1")) == 1 &&
			store.SubscriberCount(docstore.CourseMediaPath("user-a", "c2")) == 1 &&
			store.SubscriberCount(docstore.CourseMediaPath("user-a", "c3")) == 1
	})

	require.NoError(t, coord.Activate(context.Background(), ""))
	entry, ok := coord.GetEntry(bourseDebutant)
	require.True(t, ok)
	assert.True(t, entry.IsStaticOnly)
	assert.True(t, entry.NeedsUserData)
	for ordinal, course := range entry.Courses {
		assert.Equal(t, domain.CourseStatusBlocked, course.Status, "course %s after logout", ordinal)
	}
	assert.Zero(t, store.SubscriberCount(docstore.OverlayPath("user-a", bourseDebutant)))
	assert.Zero(t, store.SubscriberCount(docstore.CourseMediaPath("user-a", "c1")))

	require.NoError(t, coord.Activate(context.Background(), "user-b"))
	// Late writes for the previous user must not reach the new session.
	writeOverlay(t, store, "user-a", bourseDebutant, map[string]any{
		"c3": map[string]any{"status": "unlocked"},
	})
	waitFor(t, func() bool {
		entry, _ := coord.GetEntry(bourseDebutant)
		return !entry.IsStaticOnly
	})
	time.Sleep(20 * time.Millisecond)

	entry, _ = coord.GetEntry(bourseDebutant)
	for ordinal, course := range entry.Courses {
		assert.Equal(t, domain.CourseStatusBlocked, course.Status, "course %s leaked from previous user", ordinal)
		assert.Zero(t, course.CompletedMediaCount)
	}
	assert.Equal(t, "user-b", coord.UserID())
	assert.Zero(t, store.SubscriberCount(docstore.OverlayPath("user-a", bourseDebutant)))
	assert.Equal(t, 1, store.SubscriberCount(docstore.OverlayPath("user-b", bourseDebutant)))
}

func TestCacheCoordinator_ReconcilesCourseMediaSubscriptions(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedContent(t, store, bourseDebutant, "", map[string]any{
		"1": map[string]any{"id": "c1", "title": "Un", "media": []any{"m1", "m2"}},
		"2": map[string]any{"id": "c2", "title": "Deux", "media": []any{"m1"}},
	})
	writeOverlay(t, store, "user-1", bourseDebutant, map[string]any{
		"c1": map[string]any{"status": "unlocked", "completedMediaCount": 1},
	})

	coord := newTestCoordinator(t, store, bourseDebutant)
	require.NoError(t, coord.Start(context.Background()))
	require.NoError(t, coord.Activate(context.Background(), "user-1"))

	waitFor(t, func() bool {
		return store.SubscriberCount(docstore.CourseMediaPath("user-1", "c1")) == 1 &&
			store.SubscriberCount(docstore.CourseMediaPath("user-1", "c2")) == 1
	})

	require.NoError(t, store.Write(context.Background(), docstore.CourseMediaPath("user-1", "c1"), map[string]any{
		"completedMediaCount": 2,
		"totalMediaCount":     5,
	}, false))
	waitFor(t, func() bool {
		entry, _ := coord.GetEntry(bourseDebutant)
		return entry.Courses["1"].CompletedMediaCount == 2 && entry.Courses["1"].TotalMediaCount == 5
	})

	// Course c2 is unpublished and c3 published.
	seedContent(t, store, bourseDebutant, "", map[string]any{
		"1": map[string]any{"id": "c1", "title": "Un", "media": []any{"m1", "m2"}},
		"3": map[string]any{"id": "c3", "title": "Trois"},
	})
	waitFor(t, func() bool {
		return store.SubscriberCount(docstore.CourseMediaPath("user-1", "c2")) == 0 &&
			store.SubscriberCount(docstore.CourseMediaPath("user-1", "c3")) == 1
	})
	assert.Equal(t, 1, store.SubscriberCount(docstore.CourseMediaPath("user-1", "c1")))

	coord.Teardown()
	for _, course := range []string{"c1", "c2", "c3"} {
		assert.Zero(t, store.SubscriberCount(docstore.CourseMediaPath("user-1", course)))
	}
}

func TestCacheCoordinator_KeepsLastKnownEntryOnUpstreamError(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedContent(t, store, bourseDebutant, "gs://dodji/bourse.png", threeCourses())
	coord := newTestCoordinator(t, store, bourseDebutant)
	require.NoError(t, coord.Start(context.Background()))
	waitFor(t, func() bool {
		_, ok := coord.GetEntry(bourseDebutant)
		return ok
	})

	store.EmitError(docstore.ContentPath(bourseDebutant), errors.New("unavailable"))
	time.Sleep(20 * time.Millisecond)

	entry, ok := coord.GetEntry(bourseDebutant)
	require.True(t, ok)
	assert.Equal(t, "gs://dodji/bourse.png", entry.Static.BackgroundImage)
	assert.Len(t, entry.Courses, 3)
}

func TestCacheCoordinator_PutStaticIgnoresOlderSnapshots(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedContent(t, store, bourseDebutant, "gs://dodji/new.png", threeCourses())
	coord := newTestCoordinator(t, store, bourseDebutant)
	require.NoError(t, coord.Start(context.Background()))
	waitFor(t, func() bool {
		_, ok := coord.GetEntry(bourseDebutant)
		return ok
	})

	coord.PutStatic(bourseDebutant, domain.StaticEntry{BackgroundImage: "gs://dodji/old.png"})
	entry, _ := coord.GetEntry(bourseDebutant)
	assert.Equal(t, "gs://dodji/new.png", entry.Static.BackgroundImage)

	coord.PutStatic(bourseDebutant, domain.StaticEntry{BackgroundImage: "gs://dodji/newer.png", UpdatedAt: time.Now().Add(time.Hour)})
	entry, _ = coord.GetEntry(bourseDebutant)
	assert.Equal(t, "gs://dodji/newer.png", entry.Static.BackgroundImage)
	assert.Equal(t, bourseDebutant, entry.Static.Key)
}

func TestCacheCoordinator_GetEntryReturnsSnapshots(t *testing.T) {
	store := docstore.NewMemoryStore()
	coord := newTestCoordinator(t, store, bourseDebutant)
	_, ok := coord.GetEntry(bourseDebutant)
	assert.False(t, ok, "no entry before static content arrives")

	coord.PutStatic(bourseDebutant, domain.StaticEntry{Courses: map[string]domain.CourseDefinition{"1": {ID: "c1", Title: "Un"}}})
	entry, ok := coord.GetEntry(bourseDebutant)
	require.True(t, ok)
	entry.Courses["1"] = domain.MergedCourse{Status: domain.CourseStatusCompleted}
	entry.Static.Courses["1"] = domain.CourseDefinition{ID: "mutated"}

	again, _ := coord.GetEntry(bourseDebutant)
	assert.Equal(t, domain.CourseStatusBlocked, again.Courses["1"].Status)
	assert.Equal(t, "c1", again.Static.Courses["1"].ID)

	_, ok = coord.GetEntry(cryptoExpert)
	assert.False(t, ok, "keys outside the coordinator are absent")
}

func TestCacheCoordinator_TeardownIsIdempotent(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedContent(t, store, bourseDebutant, "", threeCourses())
	coord := newTestCoordinator(t, store, bourseDebutant)
	require.NoError(t, coord.Start(context.Background()))
	require.NoError(t, coord.Activate(context.Background(), "user-1"))
	require.Equal(t, 1, store.SubscriberCount(docstore.ContentPath(bourseDebutant)))

	coord.Teardown()
	coord.Teardown()

	assert.Zero(t, store.SubscriberCount(docstore.ContentPath(bourseDebutant)))
	assert.Zero(t, store.SubscriberCount(docstore.OverlayPath("user-1", bourseDebutant)))
	assert.ErrorIs(t, coord.Activate(context.Background(), "user-2"), ErrCoordinatorClosed)
	assert.NoError(t, coord.Start(context.Background()))
	assert.Zero(t, store.SubscriberCount(docstore.ContentPath(bourseDebutant)))
}

func TestCacheCoordinator_ReactivatingSameUserKeepsSubscriptions(t *testing.T) {
	store := docstore.NewMemoryStore()
	coord := newTestCoordinator(t, store, bourseDebutant)
	require.NoError(t, coord.Activate(context.Background(), "user-1"))
	require.NoError(t, coord.Activate(context.Background(), "user-1"))
	assert.Equal(t, 1, store.SubscriberCount(docstore.OverlayPath("user-1", bourseDebutant)))
}

func newTestCoordinator(t *testing.T, store docstore.Store, keys ...domain.ContentKey) CacheCoordinator {
	t.Helper()
	static, err := NewStaticContentLoader(StaticLoaderDeps{Store: store})
	require.NoError(t, err)
	overlay, err := NewUserOverlayLoader(OverlayLoaderDeps{Store: store})
	require.NoError(t, err)
	coord, err := NewCacheCoordinator(CoordinatorDeps{Static: static, Overlay: overlay, Keys: keys})
	require.NoError(t, err)
	t.Cleanup(coord.Teardown)
	return coord
}

func threeCourses() map[string]any {
	return map[string]any{
		"1": map[string]any{"id": "c1", "title": "<b>Intérêts composés</b>", "unlockCost": 0, "media": []any{"v1", "v2"}},
		"2": map[string]any{"id": "c2", "title": "Actions", "unlockCost": 50, "media": []any{"v1", "v2", "v3", "v4"}},
		"3": map[string]any{"id": "c3", "title": "Obligations", "unlockCost": 100, "media": []any{"v1"}},
	}
}

func seedContent(t *testing.T, store docstore.Store, key domain.ContentKey, background string, courses map[string]any) {
	t.Helper()
	positions := map[string]any{}
	for ordinal := range courses {
		positions["p"+ordinal] = map[string]any{"x": 50.0, "y": 10.0, "index": 1, "side": false}
	}
	err := store.Write(context.Background(), docstore.ContentPath(key), map[string]any{
		"backgroundImage": background,
		"positions":       positions,
		"courses":         courses,
	}, false)
	require.NoError(t, err)
}

func writeOverlay(t *testing.T, store docstore.Store, userID string, key domain.ContentKey, courses map[string]any) {
	t.Helper()
	err := store.Write(context.Background(), docstore.OverlayPath(userID, key), map[string]any{"courses": courses}, false)
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
