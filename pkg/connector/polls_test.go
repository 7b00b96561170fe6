// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-hub/pkg/pollstore"
)

func TestPollTrackerRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	tracker := NewPollTracker(nil, time.Hour, zerolog.Nop())
	tracker.now = func() time.Time { return now }

	if err := tracker.Track(ctx, &pollstore.Poll{ID: "OLD", Options: []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Minute)
	if err := tracker.Track(ctx, &pollstore.Poll{ID: "NEW", Options: []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(45 * time.Minute)

	if p, err := tracker.Lookup(ctx, "OLD"); err != nil || p != nil {
		t.Errorf("expired poll = %v, %v", p, err)
	}
	if p, err := tracker.Lookup(ctx, "NEW"); err != nil || p == nil {
		t.Errorf("live poll = %v, %v", p, err)
	}
	if p, err := tracker.Lookup(ctx, "MISSING"); err != nil || p != nil {
		t.Errorf("unknown poll = %v, %v", p, err)
	}

	now = now.Add(time.Hour)
	n, err := tracker.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Errorf("Cleanup = %d, %v; want 1 removed", n, err)
	}
}

func TestPollTrackerDefaults(t *testing.T) {
	t.Parallel()
	tracker := NewPollTracker(nil, 0, zerolog.Nop())
	if tracker.retention != DefaultPollRetention {
		t.Errorf("retention = %s", tracker.retention)
	}
	ctx := context.Background()
	if err := tracker.Track(ctx, &pollstore.Poll{ID: "P"}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := tracker.Lookup(ctx, "P"); p != nil {
		t.Error("Clear should forget every poll")
	}
}
