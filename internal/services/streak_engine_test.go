package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodji-app/core/internal/docstore"
	domain "github.com/dodji-app/core/internal/domain"
)

func TestTier(t *testing.T) {
	cases := map[int]domain.RewardTier{
		1:  domain.RewardTierSmall,
		5:  domain.RewardTierSmall,
		7:  domain.RewardTierMedium,
		14: domain.RewardTierMedium,
		30: domain.RewardTierLarge,
		35: domain.RewardTierMedium,
		60: domain.RewardTierLarge,
		0:  domain.RewardTierSmall,
	}
	for days, want := range cases {
		assert.Equal(t, want, Tier(days), "tier(%d)", days)
	}

	reward := DefaultRewardSchedule.RewardFor(210)
	assert.Equal(t, domain.Reward{Tier: domain.RewardTierLarge, TierDays: 30, DodjiAmount: 200}, reward)
	assert.Equal(t, int64(50), DefaultRewardSchedule.RewardFor(7).DodjiAmount)
	assert.Equal(t, int64(10), DefaultRewardSchedule.RewardFor(2).DodjiAmount)
}

func TestStreakEngine_CheckIsReadOnly(t *testing.T) {
	store := docstore.NewMemoryStore()
	engine := newTestStreakEngine(t, store, fixedClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)), nil)

	first, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	second, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)

	assert.True(t, first.IsNewDay)
	assert.True(t, second.IsNewDay)
	assert.Equal(t, 1, first.ProposedStreak)
	assert.Equal(t, "2026-03-10", first.Today)
	assert.Zero(t, store.WriteCount())
	assert.Equal(t, domain.StreakStateEligible, engine.State("user-1"))

	pending, ok := engine.Pending("user-1")
	require.True(t, ok)
	assert.Equal(t, second.PendingWrite.ClaimID, pending.PendingWrite.ClaimID)
}

func TestStreakEngine_ClaimThenCheckSameDay(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), docstore.UserPath("user-1"), map[string]any{
		"currentStreak":        int64(6),
		"lastStreakUpdateDate": "2026-03-09",
		"dodji":                int64(100),
	}, false))
	publisher := &stubRewardPublisher{}
	engine := newTestStreakEngine(t, store, fixedClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)), publisher)

	result, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, result.IsNewDay)
	assert.Equal(t, 7, result.ProposedStreak)
	assert.Equal(t, domain.RewardTierMedium, result.Reward.Tier)
	assert.Equal(t, int64(50), result.Reward.DodjiAmount)

	writes := store.WriteCount()
	require.NoError(t, engine.Claim(context.Background(), "user-1", result))
	assert.Equal(t, writes+1, store.WriteCount(), "claim performs a single combined write")
	assert.Equal(t, domain.StreakStateClaimed, engine.State("user-1"))
	_, pending := engine.Pending("user-1")
	assert.False(t, pending)

	rec, _, err := store.Get(context.Background(), docstore.UserPath("user-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), docstore.Int(rec.Data, "currentStreak"))
	assert.Equal(t, "2026-03-10", docstore.String(rec.Data, "lastStreakUpdateDate"))
	assert.Equal(t, int64(150), docstore.Int(rec.Data, "dodji"))
	assert.Equal(t, result.PendingWrite.ClaimID, docstore.String(rec.Data, "lastStreakClaimId"))

	again, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, again.IsNewDay)
	assert.Equal(t, domain.EligibilityAlreadyChecked, again.Status)
	assert.Nil(t, again.PendingWrite)
	assert.Equal(t, domain.StreakStateAlreadyCheckedToday, engine.State("user-1"))

	writes = store.WriteCount()
	require.NoError(t, engine.Claim(context.Background(), "user-1", result), "replaying a claim is a no-op")
	require.NoError(t, engine.Claim(context.Background(), "user-1", again))
	assert.Equal(t, writes, store.WriteCount())

	rec, _, _ = store.Get(context.Background(), docstore.UserPath("user-1"))
	assert.Equal(t, int64(150), docstore.Int(rec.Data, "dodji"))

	events := publisher.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, result.PendingWrite.ClaimID, events[0].ClaimID)
	assert.Equal(t, 7, events[0].CurrentStreak)
}

func TestStreakEngine_BrokenStreakResetsToOne(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), docstore.UserPath("user-1"), map[string]any{
		"currentStreak":        int64(29),
		"lastStreakUpdateDate": "2026-03-07",
	}, false))
	engine := newTestStreakEngine(t, store, fixedClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)), nil)

	result, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProposedStreak)
	assert.Equal(t, domain.RewardTierSmall, result.Reward.Tier)
}

func TestStreakEngine_CalendarDayUsesConfiguredLocation(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), docstore.UserPath("user-1"), map[string]any{
		"currentStreak":        int64(29),
		"lastStreakUpdateDate": "2026-03-10",
	}, false))

	// 23:30 UTC is already the next day two hours east.
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	engine, err := NewStreakEngine(StreakEngineDeps{
		Store:    store,
		Clock:    fixedClock(now),
		Location: time.FixedZone("UTC+2", 2*60*60),
		Guard:    NewInFlightGuard(),
	})
	require.NoError(t, err)

	result, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, result.IsNewDay)
	assert.Equal(t, "2026-03-11", result.Today)
	assert.Equal(t, 30, result.ProposedStreak)
	assert.Equal(t, domain.RewardTierLarge, result.Reward.Tier)

	utcEngine := newTestStreakEngine(t, store, fixedClock(now), nil)
	same, err := utcEngine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, same.IsNewDay)
}

func TestStreakEngine_ConcurrentCheckIsSkipped(t *testing.T) {
	store := docstore.NewMemoryStore()
	guard := NewInFlightGuard()
	engine, err := NewStreakEngine(StreakEngineDeps{Store: store, Guard: guard})
	require.NoError(t, err)

	require.True(t, guard.TryAcquire("user-1"))
	result, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EligibilitySkipped, result.Status)
	assert.False(t, result.IsNewDay)
	assert.Equal(t, domain.StreakStateNotChecked, engine.State("user-1"))

	guard.Release("user-1")
	result, err = engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EligibilityNewDay, result.Status)
}

func TestStreakEngine_GuardIsSharedAcrossEngines(t *testing.T) {
	store := docstore.NewMemoryStore()
	first, err := NewStreakEngine(StreakEngineDeps{Store: store})
	require.NoError(t, err)
	second, err := NewStreakEngine(StreakEngineDeps{Store: store})
	require.NoError(t, err)

	require.True(t, processGuard.TryAcquire("shared-user"))
	defer processGuard.Release("shared-user")

	for _, engine := range []StreakEngine{first, second} {
		result, err := engine.CheckEligibility(context.Background(), "shared-user")
		require.NoError(t, err)
		assert.Equal(t, domain.EligibilitySkipped, result.Status)
	}
}

func TestStreakEngine_ClaimFailurePropagates(t *testing.T) {
	store := &failingTxStore{MemoryStore: docstore.NewMemoryStore(), err: errors.New("deadline")}
	engine := newTestStreakEngine(t, store, fixedClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)), nil)

	result, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)

	err = engine.Claim(context.Background(), "user-1", result)
	require.ErrorIs(t, err, ErrClaimFailed)
	assert.Equal(t, domain.StreakStateEligible, engine.State("user-1"))
	_, pending := engine.Pending("user-1")
	assert.True(t, pending, "failed claim keeps the pending result for retry")
}

func TestStreakEngine_ClaimValidation(t *testing.T) {
	store := docstore.NewMemoryStore()
	clock := &mutableClock{now: time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)}
	engine := newTestStreakEngine(t, store, clock.Now, nil)

	result, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)

	assert.ErrorIs(t, engine.Claim(context.Background(), "", result), ErrUserIDRequired)
	assert.ErrorIs(t, engine.Claim(context.Background(), "user-2", result), ErrInvalidEligibility)

	clock.advance(4 * time.Hour)
	assert.ErrorIs(t, engine.Claim(context.Background(), "user-1", result), ErrEligibilityExpired)
	assert.Zero(t, store.WriteCount())

	_, err = engine.CheckEligibility(context.Background(), " ")
	assert.ErrorIs(t, err, ErrUserIDRequired)
}

func TestStreakEngine_RecordLoginAndReset(t *testing.T) {
	store := docstore.NewMemoryStore()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Write(context.Background(), docstore.UserPath("user-1"), map[string]any{
		"currentStreak":        int64(12),
		"lastStreakUpdateDate": "2026-03-10",
		"dodji":                int64(40),
	}, false))
	engine := newTestStreakEngine(t, store, fixedClock(now), nil)

	require.NoError(t, engine.RecordLogin(context.Background(), "user-1"))
	rec, _, _ := store.Get(context.Background(), docstore.UserPath("user-1"))
	assert.Equal(t, now, docstore.Time(rec.Data, "lastLoginTimestamp"))
	assert.Equal(t, int64(12), docstore.Int(rec.Data, "currentStreak"))

	require.NoError(t, engine.Reset(context.Background(), "user-1"))
	rec, _, _ = store.Get(context.Background(), docstore.UserPath("user-1"))
	assert.Zero(t, docstore.Int(rec.Data, "currentStreak"))
	assert.Equal(t, int64(40), docstore.Int(rec.Data, "dodji"))

	result, err := engine.CheckEligibility(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, result.IsNewDay)
	assert.Equal(t, 1, result.ProposedStreak)
}

func newTestStreakEngine(t *testing.T, store docstore.Store, clock func() time.Time, publisher RewardPublisher) StreakEngine {
	t.Helper()
	deps := StreakEngineDeps{
		Store: store,
		Clock: clock,
		Guard: NewInFlightGuard(),
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	engine, err := NewStreakEngine(deps)
	require.NoError(t, err)
	return engine
}

func fixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubRewardPublisher struct {
	mu     sync.Mutex
	events []domain.RewardEvent
}

func (p *stubRewardPublisher) PublishReward(_ context.Context, event domain.RewardEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *stubRewardPublisher) snapshot() []domain.RewardEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RewardEvent(nil), p.events...)
}

type failingTxStore struct {
	*docstore.MemoryStore
	err error
}

func (s *failingTxStore) RunTransaction(context.Context, docstore.TxFunc) error {
	return s.err
}
