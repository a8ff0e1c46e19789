package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func deleteAs(router http.Handler, path, uid string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	if uid != "" {
		req.Header.Set("Authorization", "Bearer uid-"+uid)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestSessionHandlers_LoginAndLogout(t *testing.T) {
	coordinator := &stubCoordinator{}
	preload := &stubPreload{coordinator: coordinator}
	streak := newStubStreak()
	router := NewRouter(WithSessionRoutes(NewSessionHandlers(testAuthenticator(), preload, coordinator, streak).Routes))

	rr := postAs(router, "/api/v1/session", "learner")
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if coordinator.UserID() != "learner" {
		t.Fatalf("expected learner to be active, got %q", coordinator.UserID())
	}

	if rr := deleteAs(router, "/api/v1/session", "learner"); rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rr.Code)
	}

	users := preload.setUsers()
	if len(users) != 2 || users[0] != "learner" || users[1] != "" {
		t.Fatalf("unexpected SetUser calls %v", users)
	}
	if len(streak.logins) != 1 || streak.logins[0] != "learner" {
		t.Fatalf("expected login to be recorded, got %v", streak.logins)
	}
}

func TestSessionHandlers_OtherLearnerCannotEndSession(t *testing.T) {
	coordinator := &stubCoordinator{}
	preload := &stubPreload{coordinator: coordinator}
	router := NewRouter(WithSessionRoutes(NewSessionHandlers(testAuthenticator(), preload, coordinator, nil).Routes))

	if rr := postAs(router, "/api/v1/session", "alice"); rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rr.Code)
	}
	if rr := deleteAs(router, "/api/v1/session", "bob"); rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rr.Code)
	}
	if coordinator.UserID() != "alice" {
		t.Fatalf("expected alice to stay active, got %q", coordinator.UserID())
	}
	if users := preload.setUsers(); len(users) != 1 {
		t.Fatalf("expected no deactivation, got %v", users)
	}
}

func TestSessionHandlers_LoginReportsReplacedSession(t *testing.T) {
	coordinator := &stubCoordinator{}
	preload := &stubPreload{coordinator: coordinator}
	router := NewRouter(WithSessionRoutes(NewSessionHandlers(testAuthenticator(), preload, coordinator, nil).Routes))

	var body sessionPayload
	rr := postAs(router, "/api/v1/session", "alice")
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Replaced {
		t.Fatalf("first login: unexpected body %+v err=%v", body, err)
	}
	rr = postAs(router, "/api/v1/session", "alice")
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Replaced {
		t.Fatalf("repeated login: unexpected body %+v err=%v", body, err)
	}
	rr = postAs(router, "/api/v1/session", "bob")
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || !body.Replaced || body.UserID != "bob" {
		t.Fatalf("switch: unexpected body %+v err=%v", body, err)
	}
}

func TestSessionHandlers_ActivationFailure(t *testing.T) {
	preload := &stubPreload{setErr: errors.New("overlay subscribe failed")}
	router := NewRouter(WithSessionRoutes(NewSessionHandlers(testAuthenticator(), preload, &stubCoordinator{}, nil).Routes))

	rr := postAs(router, "/api/v1/session", "learner")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr := postAs(router, "/api/v1/session", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}
