package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/auth"
	"github.com/dodji-app/core/internal/platform/httpx"
	"github.com/dodji-app/core/internal/services"
)

const (
	streakCheckLimit  = 10
	streakCheckWindow = time.Minute
)

// StreakHandlers expose the daily check/claim protocol.
type StreakHandlers struct {
	authn   *auth.Authenticator
	streak  services.StreakEngine
	limiter rateLimiter
}

// StreakHandlerOption customises StreakHandlers.
type StreakHandlerOption func(*StreakHandlers)

// WithStreakCheckLimit caps eligibility checks per user and window. Zero disables the cap.
func WithStreakCheckLimit(limit int, window time.Duration, clock func() time.Time) StreakHandlerOption {
	return func(h *StreakHandlers) {
		h.limiter = newWindowLimiter(limit, window, clock)
	}
}

// NewStreakHandlers constructs StreakHandlers.
func NewStreakHandlers(authn *auth.Authenticator, streak services.StreakEngine, opts ...StreakHandlerOption) *StreakHandlers {
	h := &StreakHandlers{
		authn:   authn,
		streak:  streak,
		limiter: newWindowLimiter(streakCheckLimit, streakCheckWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /streak endpoints.
func (h *StreakHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/check", h.check)
	r.Post("/claim", h.claim)
	r.Post("/reset", h.reset)
}

func (h *StreakHandlers) check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(uid) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many streak checks", http.StatusTooManyRequests))
		return
	}

	result, err := h.streak.CheckEligibility(ctx, uid)
	if err != nil {
		writeStreakError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildEligibilityPayload(result, h.streak.State(uid)))
}

func (h *StreakHandlers) claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	pending, ok := h.streak.Pending(uid)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("no_pending_reward", "no eligible streak reward to claim", http.StatusConflict))
		return
	}
	if err := h.streak.Claim(ctx, uid, pending); err != nil {
		writeStreakError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildEligibilityPayload(pending, h.streak.State(uid)))
}

// reset starts the caller's streak over. Any unclaimed reward of the day is dropped.
func (h *StreakHandlers) reset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}
	if err := h.streak.Reset(ctx, uid); err != nil {
		writeStreakError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StreakHandlers) requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.streak == nil {
		httpx.WriteError(ctx, w, httpx.NewError("streak_unavailable", "streak service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	uid := auth.UserID(ctx)
	if uid == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return uid, true
}

type eligibilityPayload struct {
	Status         string         `json:"status"`
	State          string         `json:"state"`
	Today          string         `json:"today,omitempty"`
	IsNewDay       bool           `json:"is_new_day"`
	ProposedStreak int            `json:"proposed_streak"`
	Reward         *rewardPayload `json:"reward,omitempty"`
}

type rewardPayload struct {
	Tier        string `json:"tier"`
	TierDays    int    `json:"tier_days"`
	DodjiAmount int64  `json:"dodji_amount"`
}

func buildEligibilityPayload(result domain.StreakEligibilityResult, state domain.StreakState) eligibilityPayload {
	payload := eligibilityPayload{
		Status:         string(result.Status),
		State:          string(state),
		Today:          result.Today,
		IsNewDay:       result.IsNewDay,
		ProposedStreak: result.ProposedStreak,
	}
	if result.IsNewDay {
		payload.Reward = &rewardPayload{
			Tier:        string(result.Reward.Tier),
			TierDays:    result.Reward.TierDays,
			DodjiAmount: result.Reward.DodjiAmount,
		}
	}
	return payload
}

func writeStreakError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrUserIDRequired):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", err.Error(), http.StatusUnauthorized))
	case errors.Is(err, services.ErrEligibilityExpired):
		httpx.WriteError(ctx, w, httpx.NewError("eligibility_expired", "eligibility expired, check again", http.StatusConflict))
	case errors.Is(err, services.ErrInvalidEligibility):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_eligibility", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrClaimFailed):
		httpx.WriteError(ctx, w, httpx.NewError("claim_failed", "reward claim did not commit, retry", http.StatusServiceUnavailable).
			WithDetails(map[string]any{"retryable": true}))
	case errors.Is(err, services.ErrTransientFetch):
		httpx.WriteError(ctx, w, httpx.NewError("streak_unavailable", "streak state could not be read", http.StatusServiceUnavailable).
			WithDetails(map[string]any{"retryable": true}))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal", err.Error(), http.StatusInternalServerError))
	}
}
