package handlers

import (
	"context"
	"strings"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/auth"
	"github.com/dodji-app/core/internal/services"
)

type stubVerifier struct{}

// VerifyIDToken accepts "uid-<id>" tokens.
func (stubVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	uid, ok := strings.CutPrefix(token, "uid-")
	if !ok {
		return nil, auth.ErrTokenInvalid
	}
	return &firebaseauth.Token{UID: uid, Claims: map[string]interface{}{}}, nil
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(stubVerifier{})
}

type stubPreload struct {
	mu          sync.Mutex
	static      int
	image       int
	users       []string
	setErr      error
	complete    bool
	coordinator *stubCoordinator
}

func (s *stubPreload) Start(context.Context) {}

func (s *stubPreload) SetUser(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.users = append(s.users, uid)
	if s.coordinator != nil {
		return s.coordinator.Activate(context.Background(), uid)
	}
	return nil
}

func (s *stubPreload) StaticLoadedCount() int { return s.static }
func (s *stubPreload) ImageLoadedCount() int { return s.image }

func (s *stubPreload) Progress() float64 {
	return float64(s.static+s.image) / float64(2*len(domain.AllContentKeys()))
}

func (s *stubPreload) IsComplete() bool { return s.complete }

func (s *stubPreload) Done() <-chan struct{} {
	ch := make(chan struct{})
	if s.complete {
		close(ch)
	}
	return ch
}

func (s *stubPreload) Wait(ctx context.Context) error {
	if s.complete {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubPreload) setUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

type stubCoordinator struct {
	mu      sync.Mutex
	entries map[domain.ContentKey]domain.CacheEntry
	userID  string
}

func (s *stubCoordinator) Start(context.Context) error { return nil }

func (s *stubCoordinator) GetEntry(key domain.ContentKey) (domain.CacheEntry, bool) {
	entry, ok := s.entries[key]
	return entry, ok
}

func (s *stubCoordinator) Activate(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = uid
	return nil
}

func (s *stubCoordinator) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *stubCoordinator) PutStatic(domain.ContentKey, domain.StaticEntry) {}
func (s *stubCoordinator) Teardown() {}

type stubStreak struct {
	mu       sync.Mutex
	checkFn  func(uid string) (domain.StreakEligibilityResult, error)
	claimErr error
	pending  map[string]domain.StreakEligibilityResult
	states   map[string]domain.StreakState
	logins   []string
	resets   []string
	resetErr error
	claims   int
}

func newStubStreak() *stubStreak {
	return &stubStreak{
		pending: map[string]domain.StreakEligibilityResult{},
		states:  map[string]domain.StreakState{},
	}
}

func (s *stubStreak) CheckEligibility(_ context.Context, uid string) (domain.StreakEligibilityResult, error) {
	result, err := s.checkFn(uid)
	if err != nil {
		return result, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.IsNewDay {
		s.pending[uid] = result
		s.states[uid] = domain.StreakStateEligible
	} else {
		s.states[uid] = domain.StreakStateAlreadyCheckedToday
	}
	return result, nil
}

func (s *stubStreak) Claim(_ context.Context, uid string, _ domain.StreakEligibilityResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return s.claimErr
	}
	delete(s.pending, uid)
	s.states[uid] = domain.StreakStateClaimed
	return nil
}

func (s *stubStreak) RecordLogin(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins = append(s.logins, uid)
	return nil
}

func (s *stubStreak) Reset(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetErr != nil {
		return s.resetErr
	}
	s.resets = append(s.resets, uid)
	delete(s.pending, uid)
	s.states[uid] = domain.StreakStateNotChecked
	return nil
}

func (s *stubStreak) State(uid string) domain.StreakState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[uid]; ok {
		return state
	}
	return domain.StreakStateNotChecked
}

func (s *stubStreak) Pending(uid string) (domain.StreakEligibilityResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.pending[uid]
	return result, ok
}

var (
	_ services.PreloadOrchestrator = (*stubPreload)(nil)
	_ services.CacheCoordinator    = (*stubCoordinator)(nil)
	_ services.StreakEngine        = (*stubStreak)(nil)
)
