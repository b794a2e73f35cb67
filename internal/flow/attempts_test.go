package flow

import (
	"testing"
	"time"

	"github.com/classdesk/api/internal/auth/oidc"
)

func newTestAttempt(t *testing.T, clientKey string, ttl time.Duration) *oidc.SignInAttempt {
	t.Helper()
	attempt, err := oidc.NewSignInAttempt(clientKey, ttl)
	if err != nil {
		t.Fatalf("Failed to create attempt: %v", err)
	}
	return attempt
}

func TestAttemptStore_PutReplacesPerClient(t *testing.T) {
	store := NewAttemptStore()

	first := newTestAttempt(t, "client-1", time.Minute)
	second := newTestAttempt(t, "client-1", time.Minute)

	store.Put(first)
	store.Put(second)

	if _, ok := store.Lookup(first.State); ok {
		t.Error("Expected first attempt to be invalidated by the second")
	}
	if _, ok := store.Lookup(second.State); !ok {
		t.Error("Expected second attempt to be pending")
	}
}

func TestAttemptStore_IndependentClients(t *testing.T) {
	store := NewAttemptStore()

	a := newTestAttempt(t, "client-a", time.Minute)
	b := newTestAttempt(t, "client-b", time.Minute)

	store.Put(a)
	store.Put(b)

	if _, ok := store.Lookup(a.State); !ok {
		t.Error("Expected client-a attempt to survive client-b starting one")
	}
	if _, ok := store.Lookup(b.State); !ok {
		t.Error("Expected client-b attempt to be pending")
	}
}

func TestAttemptStore_LookupExpired(t *testing.T) {
	store := NewAttemptStore()

	attempt := newTestAttempt(t, "client-1", -time.Second)
	store.Put(attempt)

	if _, ok := store.Lookup(attempt.State); ok {
		t.Error("Expected expired attempt to be discarded on lookup")
	}
}

func TestAttemptStore_Cancel(t *testing.T) {
	store := NewAttemptStore()

	attempt := newTestAttempt(t, "client-1", time.Minute)
	store.Put(attempt)
	store.Cancel(attempt.State)

	if _, ok := store.Lookup(attempt.State); ok {
		t.Error("Expected cancelled attempt to be gone")
	}

	// A new attempt for the same client must work after cancel.
	next := newTestAttempt(t, "client-1", time.Minute)
	store.Put(next)
	if _, ok := store.Lookup(next.State); !ok {
		t.Error("Expected new attempt after cancel to be pending")
	}
}

func TestAttemptStore_Sweep(t *testing.T) {
	store := NewAttemptStore()

	expired := newTestAttempt(t, "client-1", -time.Second)
	live := newTestAttempt(t, "client-2", time.Minute)
	store.Put(expired)
	store.Put(live)

	store.Sweep()

	if _, ok := store.byState[expired.State]; ok {
		t.Error("Expected sweep to remove the expired attempt")
	}
	if _, ok := store.Lookup(live.State); !ok {
		t.Error("Expected sweep to keep the live attempt")
	}
}

func TestAttemptStore_CodeLifecycle(t *testing.T) {
	store := NewAttemptStore()

	attempt := newTestAttempt(t, "client-1", time.Minute)
	store.Put(attempt)

	started, prior, known := store.beginCode(attempt.State, "code-1")
	if !known || !started || prior != nil {
		t.Fatalf("Expected first delivery to start the exchange, got started=%v prior=%v known=%v", started, prior, known)
	}

	// Second delivery while the exchange is in flight.
	started, prior, known = store.beginCode(attempt.State, "code-1")
	if !known || started || prior != nil {
		t.Errorf("Expected in-flight duplicate to be rejected, got started=%v prior=%v known=%v", started, prior, known)
	}

	// Failed exchange releases the code for a retry.
	store.failCode(attempt.State, "code-1")
	started, _, known = store.beginCode(attempt.State, "code-1")
	if !known || !started {
		t.Error("Expected code to be claimable again after a failed exchange")
	}

	// Completion records the outcome and replays it on duplicates.
	res := &Result{Granted: true}
	store.completeCode(attempt.State, "code-1", res)

	started, prior, known = store.beginCode(attempt.State, "code-1")
	if !known || started {
		t.Error("Expected completed code not to start a new exchange")
	}
	if prior != res {
		t.Error("Expected duplicate delivery to see the recorded outcome")
	}
}

func TestAttemptStore_CompleteRetiresPendingAttempt(t *testing.T) {
	store := NewAttemptStore()

	attempt := newTestAttempt(t, "client-1", time.Minute)
	store.Put(attempt)

	store.beginCode(attempt.State, "code-1")
	store.completeCode(attempt.State, "code-1", &Result{Granted: true})

	// The client has no pending attempt anymore, so a new one must not
	// invalidate the completed record (duplicate deliveries still replay).
	next := newTestAttempt(t, "client-1", time.Minute)
	store.Put(next)

	_, prior, known := store.beginCode(attempt.State, "code-1")
	if !known || prior == nil {
		t.Error("Expected completed record to survive a new attempt by the same client")
	}
}
