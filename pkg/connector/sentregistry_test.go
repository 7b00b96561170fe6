// Copyright 2024-2026 Aiku AI

package connector

import (
	"sync"
	"testing"
	"time"
)

func newTestRegistry() (*SentRegistry, *fakeScheduler) {
	sched := newFakeScheduler()
	r := NewSentRegistry(time.Minute)
	r.after = sched.AfterFunc
	return r, sched
}

func TestSentRegistryExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	r, sched := newTestRegistry()

	if !r.Register("MSG1") {
		t.Fatal("first Register should report a new entry")
	}
	if !r.Has("MSG1") {
		t.Fatal("expected MSG1 to be registered")
	}
	timers := sched.Pending()
	if len(timers) != 1 || timers[0].d != time.Minute {
		t.Fatalf("expected one 1m expiry timer, got %+v", timers)
	}
	sched.FireAll()
	if r.Has("MSG1") {
		t.Error("MSG1 should expire once its timer fires")
	}
}

func TestSentRegistryReRegisterDoesNotExtend(t *testing.T) {
	t.Parallel()
	r, sched := newTestRegistry()

	r.Register("MSG1")
	if r.Register("MSG1") {
		t.Error("re-registering should not create a second entry")
	}
	if got := len(sched.Pending()); got != 1 {
		t.Fatalf("expected a single expiry timer, got %d", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len: got %d, want 1", r.Len())
	}
}

func TestSentRegistryConsumeRemovesOnce(t *testing.T) {
	t.Parallel()
	r, sched := newTestRegistry()

	r.Register("MSG1")
	if !r.Consume("MSG1") {
		t.Fatal("Consume should remove a present id")
	}
	if r.Consume("MSG1") {
		t.Error("second Consume should report absence")
	}
	if len(sched.Pending()) != 0 {
		t.Error("Consume should cancel the expiry timer")
	}
}

func TestSentRegistryStaleTimerDoesNotRemoveNewEntry(t *testing.T) {
	t.Parallel()
	r, sched := newTestRegistry()

	r.Register("MSG1")
	stale := sched.Pending()[0]
	r.Consume("MSG1")
	r.Register("MSG1")

	// A timer that already started running cannot be stopped; it must not
	// evict the newer registration.
	stale.fn()
	if !r.Has("MSG1") {
		t.Error("stale expiry removed a fresh registration")
	}
}

func TestSentRegistryPendingMarkers(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()

	r.MarkPending("1203@g.us")
	if !r.HasPending("1203@g.us") {
		t.Fatal("expected pending marker")
	}
	if r.HasPending("9999@g.us") {
		t.Error("marker leaked to another chat")
	}
	r.ClearPending("1203@g.us")
	if r.HasPending("1203@g.us") {
		t.Error("marker should be cleared")
	}
}

func TestSentRegistryCloseCancelsTimers(t *testing.T) {
	t.Parallel()
	r, sched := newTestRegistry()
	r.Register("A")
	r.Register("B")
	r.Close()
	if len(sched.Pending()) != 0 {
		t.Error("Close should stop every timer")
	}
	if r.Register("C") {
		t.Error("Register after Close should be a no-op")
	}
}

func TestSentRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := NewSentRegistry(time.Minute)
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Register("ID")
				r.Has("ID")
				r.Consume("ID")
			}
		}()
	}
	wg.Wait()
}
