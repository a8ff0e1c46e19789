package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/dodji-app/core/internal/docstore"
	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/observability"
)

const (
	fieldCurrentStreak        = "currentStreak"
	fieldLastStreakUpdateDate = "lastStreakUpdateDate"
	fieldLastLoginTimestamp   = "lastLoginTimestamp"
	fieldBalance              = "dodji"
	fieldLastClaimID          = "lastStreakClaimId"
)

// RewardSchedule maps reward tiers to currency amounts.
type RewardSchedule struct {
	Small  int64
	Medium int64
	Large  int64
}

// DefaultRewardSchedule is used when no schedule is configured.
var DefaultRewardSchedule = RewardSchedule{Small: 10, Medium: 50, Large: 200}

// Tier buckets a streak length: multiples of 30 are large, other multiples of 7 are medium.
func Tier(days int) domain.RewardTier {
	switch {
	case days > 0 && days%30 == 0:
		return domain.RewardTierLarge
	case days > 0 && days%7 == 0:
		return domain.RewardTierMedium
	default:
		return domain.RewardTierSmall
	}
}

// RewardFor returns the reward granted on the given streak day.
func (s RewardSchedule) RewardFor(days int) domain.Reward {
	switch tier := Tier(days); tier {
	case domain.RewardTierLarge:
		return domain.Reward{Tier: tier, TierDays: 30, DodjiAmount: s.Large}
	case domain.RewardTierMedium:
		return domain.Reward{Tier: tier, TierDays: 7, DodjiAmount: s.Medium}
	default:
		return domain.Reward{Tier: tier, TierDays: 1, DodjiAmount: s.Small}
	}
}

// InFlightGuard tracks which users have an eligibility check running.
type InFlightGuard struct {
	mu    sync.Mutex
	users map[string]struct{}
}

// NewInFlightGuard constructs an empty guard.
func NewInFlightGuard() *InFlightGuard {
	return &InFlightGuard{users: make(map[string]struct{})}
}

// TryAcquire marks userID busy, reporting false when it already was.
func (g *InFlightGuard) TryAcquire(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.users[userID]; busy {
		return false
	}
	g.users[userID] = struct{}{}
	return true
}

// Release clears the busy mark of userID.
func (g *InFlightGuard) Release(userID string) {
	g.mu.Lock()
	delete(g.users, userID)
	g.mu.Unlock()
}

// processGuard is shared by every engine in the process unless one is injected.
var processGuard = NewInFlightGuard()

// StreakEngineDeps groups constructor parameters for the streak engine.
type StreakEngineDeps struct {
	Store     docstore.Store
	Publisher RewardPublisher
	Clock     func() time.Time

	// Location defines calendar days. Defaults to UTC.
	Location    *time.Location
	Rewards     RewardSchedule
	Guard       *InFlightGuard
	IDGenerator func() string
	Logger      *zap.Logger
	Meter       metric.Meter
}

type streakEngine struct {
	store     docstore.Store
	publisher RewardPublisher
	clock     func() time.Time
	location  *time.Location
	rewards   RewardSchedule
	guard     *InFlightGuard
	newID     func() string
	logger    *zap.Logger
	claims    metric.Int64Counter

	mu      sync.Mutex
	states  map[string]domain.StreakState
	pending map[string]domain.StreakEligibilityResult
}

// NewStreakEngine constructs the streak engine with the supplied dependencies.
func NewStreakEngine(deps StreakEngineDeps) (StreakEngine, error) {
	if deps.Store == nil {
		return nil, ErrStoreMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	rewards := deps.Rewards
	if rewards == (RewardSchedule{}) {
		rewards = DefaultRewardSchedule
	}
	guard := deps.Guard
	if guard == nil {
		guard = processGuard
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	meter := deps.Meter
	if meter == nil {
		meter = observability.Meter()
	}
	return &streakEngine{
		store:     deps.Store,
		publisher: deps.Publisher,
		clock:     clock,
		location:  location,
		rewards:   rewards,
		guard:     guard,
		newID:     idGen,
		logger:    observability.OrNop(deps.Logger),
		claims:    observability.Int64Counter(meter, "dodji.streak.claims", "Streak claims by outcome."),
		states:    make(map[string]domain.StreakState),
		pending:   make(map[string]domain.StreakEligibilityResult),
	}, nil
}

func (e *streakEngine) now() time.Time {
	return e.clock().In(e.location)
}

// calendarDays returns today and yesterday as date strings in the engine location.
func (e *streakEngine) calendarDays(now time.Time) (string, string) {
	y, m, d := now.Date()
	yesterday := time.Date(y, m, d-1, 0, 0, 0, 0, e.location)
	return now.Format(domain.StreakDateLayout), yesterday.Format(domain.StreakDateLayout)
}

func (e *streakEngine) CheckEligibility(ctx context.Context, userID string) (result domain.StreakEligibilityResult, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.StreakEligibilityResult{}, ErrUserIDRequired
	}
	if !e.guard.TryAcquire(userID) {
		e.logger.Debug("eligibility check already in progress", zap.String("user_id", userID))
		return domain.StreakEligibilityResult{UserID: userID, Status: domain.EligibilitySkipped}, nil
	}
	defer e.guard.Release(userID)

	ctx, span := observability.StartSpan(ctx, "streak.check_eligibility")
	defer func() { observability.EndSpan(span, err) }()

	rec, _, err := e.store.Get(ctx, docstore.UserPath(userID))
	if err != nil {
		return domain.StreakEligibilityResult{}, fmt.Errorf("%w: streak record: %w", ErrTransientFetch, err)
	}
	record := decodeStreakRecord(rec.Data)

	now := e.now()
	today, yesterday := e.calendarDays(now)

	if record.LastStreakUpdateDate == today {
		result = domain.StreakEligibilityResult{
			UserID:         userID,
			Status:         domain.EligibilityAlreadyChecked,
			Today:          today,
			ProposedStreak: record.CurrentStreak,
		}
		e.setState(userID, domain.StreakStateAlreadyCheckedToday, nil)
		return result, nil
	}

	proposed := 1
	if record.LastStreakUpdateDate == yesterday {
		proposed = record.CurrentStreak + 1
	}
	reward := e.rewards.RewardFor(proposed)
	result = domain.StreakEligibilityResult{
		UserID:         userID,
		Status:         domain.EligibilityNewDay,
		Today:          today,
		ProposedStreak: proposed,
		IsNewDay:       true,
		Reward:         reward,
		PendingWrite: &domain.StreakWrite{
			ClaimID:              e.newID(),
			CurrentStreak:        proposed,
			LastStreakUpdateDate: today,
			LastLoginTimestamp:   now.UTC(),
			BalanceIncrement:     reward.DodjiAmount,
		},
	}
	span.SetAttributes(attribute.Int("streak.proposed", proposed), attribute.String("streak.tier", string(reward.Tier)))
	e.setState(userID, domain.StreakStateEligible, &result)
	return result, nil
}

func (e *streakEngine) Claim(ctx context.Context, userID string, result domain.StreakEligibilityResult) (err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	if result.UserID != "" && result.UserID != userID {
		return ErrInvalidEligibility
	}
	if !result.IsNewDay || result.PendingWrite == nil {
		return nil
	}
	write := *result.PendingWrite
	if today, _ := e.calendarDays(e.now()); write.LastStreakUpdateDate != today {
		e.setState(userID, domain.StreakStateNotChecked, nil)
		return ErrEligibilityExpired
	}

	ctx, span := observability.StartSpan(ctx, "streak.claim", attribute.String("streak.claim_id", write.ClaimID))
	defer func() { observability.EndSpan(span, err) }()

	path := docstore.UserPath(userID)
	applied := false
	txErr := e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		applied = false
		rec, exists, err := tx.Get(path)
		if err != nil {
			return err
		}
		if exists && docstore.String(rec.Data, fieldLastStreakUpdateDate) == write.LastStreakUpdateDate {
			return nil
		}
		applied = true
		return tx.Write(path, map[string]any{
			fieldCurrentStreak:        int64(write.CurrentStreak),
			fieldLastStreakUpdateDate: write.LastStreakUpdateDate,
			fieldLastLoginTimestamp:   write.LastLoginTimestamp,
			fieldBalance:              docstore.Increment(write.BalanceIncrement),
			fieldLastClaimID:          write.ClaimID,
		}, true)
	})
	if txErr != nil {
		e.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		e.logger.Error("streak claim failed", zap.String("user_id", userID), zap.String("claim_id", write.ClaimID), zap.Error(txErr))
		return fmt.Errorf("%w: %w", ErrClaimFailed, txErr)
	}

	if !applied {
		e.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "already_claimed")))
		e.setState(userID, domain.StreakStateAlreadyCheckedToday, nil)
		return nil
	}

	e.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "claimed")))
	e.setState(userID, domain.StreakStateClaimed, nil)
	e.logger.Info("streak claimed",
		zap.String("user_id", userID),
		zap.String("claim_id", write.ClaimID),
		zap.Int("streak", write.CurrentStreak),
		zap.Int64("dodji", write.BalanceIncrement),
	)

	if e.publisher != nil {
		event := domain.RewardEvent{
			ClaimID:       write.ClaimID,
			UserID:        userID,
			Day:           write.LastStreakUpdateDate,
			CurrentStreak: write.CurrentStreak,
			Tier:          result.Reward.Tier,
			DodjiAmount:   write.BalanceIncrement,
			ClaimedAt:     e.clock().UTC(),
		}
		if err := e.publisher.PublishReward(ctx, event); err != nil {
			e.logger.Warn("reward event publish failed", zap.String("claim_id", write.ClaimID), zap.Error(err))
		}
	}
	return nil
}

// RecordLogin stamps the user's last login time without touching the streak.
func (e *streakEngine) RecordLogin(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	return e.store.Write(ctx, docstore.UserPath(userID), map[string]any{
		fieldLastLoginTimestamp: e.clock().UTC(),
	}, true)
}

// Reset is the only operation that lowers a streak.
func (e *streakEngine) Reset(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	if err := e.store.Write(ctx, docstore.UserPath(userID), map[string]any{
		fieldCurrentStreak:        int64(0),
		fieldLastStreakUpdateDate: "",
	}, true); err != nil {
		return fmt.Errorf("reset streak: %w", err)
	}
	e.setState(userID, domain.StreakStateNotChecked, nil)
	return nil
}

func (e *streakEngine) State(userID string) domain.StreakState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[strings.TrimSpace(userID)]; ok {
		return state
	}
	return domain.StreakStateNotChecked
}

func (e *streakEngine) Pending(userID string) (domain.StreakEligibilityResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	result, ok := e.pending[strings.TrimSpace(userID)]
	return result, ok
}

func (e *streakEngine) setState(userID string, state domain.StreakState, pending *domain.StreakEligibilityResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[userID] = state
	if pending != nil {
		e.pending[userID] = *pending
		return
	}
	delete(e.pending, userID)
}

func decodeStreakRecord(data map[string]any) domain.StreakRecord {
	return domain.StreakRecord{
		CurrentStreak:        int(docstore.Int(data, fieldCurrentStreak)),
		LastStreakUpdateDate: docstore.String(data, fieldLastStreakUpdateDate),
		LastLoginTimestamp:   docstore.Time(data, fieldLastLoginTimestamp),
		Balance:              docstore.Int(data, fieldBalance),
	}
}
