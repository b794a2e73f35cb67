package flow

import (
	"sync"
	"time"

	"github.com/classdesk/api/internal/auth/oidc"
)

/* attemptRecord tracks one sign-in attempt from authorization request to
outcome. The codes map is the processed-code set: an entry is present while
an exchange is in flight or after it succeeded; failed exchanges remove
their entry so a genuine retry is not blocked. */
type attemptRecord struct {
	attempt *oidc.SignInAttempt
	done    bool
	codes   map[string]*Result // nil value = exchange still pending
}

/* AttemptStore holds pending sign-in attempts keyed by state token. At most
one pending attempt exists per client key; registering a new attempt
replaces the previous one. */
type AttemptStore struct {
	mu       sync.Mutex
	byState  map[string]*attemptRecord
	byClient map[string]string
}

/* NewAttemptStore creates an empty attempt store */
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		byState:  make(map[string]*attemptRecord),
		byClient: make(map[string]string),
	}
}

/* Put registers an attempt, invalidating any pending attempt held by the
same client */
func (s *AttemptStore) Put(a *oidc.SignInAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byClient[a.ClientKey]; ok {
		delete(s.byState, prev)
	}
	s.byState[a.State] = &attemptRecord{
		attempt: a,
		codes:   make(map[string]*Result),
	}
	s.byClient[a.ClientKey] = a.State
}

/* Lookup returns the attempt registered under a state token. Expired
attempts are discarded on sight. */
func (s *AttemptStore) Lookup(state string) (*oidc.SignInAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byState[state]
	if !ok {
		return nil, false
	}
	if rec.attempt.Expired(time.Now()) {
		s.dropLocked(rec)
		return nil, false
	}
	return rec.attempt, true
}

/* Cancel discards an attempt and its processed-code set, e.g. when the user
abandons the consent screen */
func (s *AttemptStore) Cancel(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byState[state]; ok {
		s.dropLocked(rec)
	}
}

/* Sweep removes expired attempts; called periodically from the server loop */
func (s *AttemptStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, rec := range s.byState {
		if rec.attempt.Expired(now) {
			s.dropLocked(rec)
		}
	}
}

func (s *AttemptStore) dropLocked(rec *attemptRecord) {
	delete(s.byState, rec.attempt.State)
	if s.byClient[rec.attempt.ClientKey] == rec.attempt.State {
		delete(s.byClient, rec.attempt.ClientKey)
	}
}

/* beginCode claims a code for exchange. Returns started=true when this
delivery is the first; otherwise prior holds the recorded outcome, which is
nil while the original exchange is still in flight. */
func (s *AttemptStore) beginCode(state, code string) (started bool, prior *Result, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byState[state]
	if !ok {
		return false, nil, false
	}
	if res, seen := rec.codes[code]; seen {
		return false, res, true
	}
	rec.codes[code] = nil
	return true, nil, true
}

/* failCode releases a code whose exchange failed so a fresh authorization
can retry it */
func (s *AttemptStore) failCode(state, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byState[state]; ok {
		delete(rec.codes, code)
	}
}

/* completeCode records the final outcome for a code and retires the
attempt: it is no longer pending for its client, but the record stays until
expiry so a duplicate delivery replays the same outcome. */
func (s *AttemptStore) completeCode(state, code string, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byState[state]
	if !ok {
		return
	}
	rec.codes[code] = res
	rec.done = true
	if s.byClient[rec.attempt.ClientKey] == state {
		delete(s.byClient, rec.attempt.ClientKey)
	}
}
