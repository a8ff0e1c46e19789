package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dodji-app/core/internal/platform/auth"
	"github.com/dodji-app/core/internal/platform/httpx"
	"github.com/dodji-app/core/internal/platform/observability"
	"github.com/dodji-app/core/internal/services"
)

// SessionHandlers switch the active learner of the sync core.
type SessionHandlers struct {
	authn       *auth.Authenticator
	preload     services.PreloadOrchestrator
	coordinator services.CacheCoordinator
	streak      services.StreakEngine
}

// NewSessionHandlers constructs SessionHandlers. streak may be nil.
func NewSessionHandlers(authn *auth.Authenticator, preload services.PreloadOrchestrator, coordinator services.CacheCoordinator, streak services.StreakEngine) *SessionHandlers {
	return &SessionHandlers{authn: authn, preload: preload, coordinator: coordinator, streak: streak}
}

// Routes registers the /session endpoints.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.login)
	r.Delete("/", h.logout)
}

func (h *SessionHandlers) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preload == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_unavailable", "session service unavailable", http.StatusServiceUnavailable))
		return
	}
	uid := auth.UserID(ctx)
	if uid == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	previous := h.activeUser()
	if err := h.preload.SetUser(ctx, uid); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_activation_failed", err.Error(), http.StatusServiceUnavailable))
		return
	}
	replaced := previous != "" && previous != uid
	if replaced {
		observability.FromContext(ctx).Info("session: active learner replaced", zap.String("uid", uid))
	}
	if h.streak != nil {
		if err := h.streak.RecordLogin(ctx, uid); err != nil {
			observability.FromContext(ctx).Warn("session: record login failed", zap.String("uid", uid), zap.Error(err))
		}
	}

	writeJSONResponse(w, http.StatusOK, sessionPayload{UserID: uid, Active: true, Replaced: replaced})
}

func (h *SessionHandlers) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preload == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_unavailable", "session service unavailable", http.StatusServiceUnavailable))
		return
	}
	// Only the active learner may end the session.
	if uid := auth.UserID(ctx); uid == "" || uid != h.activeUser() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.preload.SetUser(ctx, ""); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_deactivation_failed", err.Error(), http.StatusServiceUnavailable))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandlers) activeUser() string {
	if h.coordinator == nil {
		return ""
	}
	return h.coordinator.UserID()
}

type sessionPayload struct {
	UserID   string `json:"user_id"`
	Active   bool   `json:"active"`
	Replaced bool   `json:"replaced_session,omitempty"`
}
