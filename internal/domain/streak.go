package domain

import "time"

// StreakDateLayout is the calendar-day format persisted in lastStreakUpdateDate.
const StreakDateLayout = "2006-01-02"

// StreakRecord is the server-held streak state of a user.
type StreakRecord struct {
	CurrentStreak        int
	LastStreakUpdateDate string
	LastLoginTimestamp   time.Time
	Balance              int64
}

// RewardTier buckets streak lengths into reward sizes.
type RewardTier string

const (
	RewardTierSmall  RewardTier = "small"
	RewardTierMedium RewardTier = "medium"
	RewardTierLarge  RewardTier = "large"
)

// Reward is the currency grant attached to a streak day.
type Reward struct {
	Tier        RewardTier
	TierDays    int
	DodjiAmount int64
}

// EligibilityStatus is the outcome of an eligibility check.
type EligibilityStatus string

const (
	// EligibilityNewDay means a reward can be claimed.
	EligibilityNewDay EligibilityStatus = "new_day"
	// EligibilityAlreadyChecked means the streak was already updated today.
	EligibilityAlreadyChecked EligibilityStatus = "already_checked_today"
	// EligibilitySkipped means another check for the same user was in flight.
	EligibilitySkipped EligibilityStatus = "skipped"
)

// StreakWrite is the single combined write committed by a claim.
type StreakWrite struct {
	ClaimID              string
	CurrentStreak        int
	LastStreakUpdateDate string
	LastLoginTimestamp   time.Time
	BalanceIncrement     int64
}

// StreakEligibilityResult is computed without side effects and held until claimed or dropped.
type StreakEligibilityResult struct {
	UserID         string
	Status         EligibilityStatus
	Today          string
	ProposedStreak int
	IsNewDay       bool
	Reward         Reward
	PendingWrite   *StreakWrite
}

// StreakState is the per-user position in the check/claim state machine.
type StreakState string

const (
	StreakStateNotChecked          StreakState = "not_checked"
	StreakStateEligible            StreakState = "eligible"
	StreakStateClaimed             StreakState = "claimed"
	StreakStateAlreadyCheckedToday StreakState = "already_checked_today"
)

// RewardEvent announces a committed claim to downstream consumers.
type RewardEvent struct {
	ClaimID       string
	UserID        string
	Day           string
	CurrentStreak int
	Tier          RewardTier
	DodjiAmount   int64
	ClaimedAt     time.Time
}
