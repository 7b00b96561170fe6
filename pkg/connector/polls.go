// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-hub/pkg/pollstore"
)

// DefaultPollRetention is how long a sent poll accepts votes.
const DefaultPollRetention = 24 * time.Hour

// PollTracker applies the retention window on top of a pollstore.Store.
type PollTracker struct {
	store     pollstore.Store
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewPollTracker(store pollstore.Store, retention time.Duration, log zerolog.Logger) *PollTracker {
	if store == nil {
		store = pollstore.NewMemoryStore()
	}
	if retention <= 0 {
		retention = DefaultPollRetention
	}
	return &PollTracker{
		store:     store,
		retention: retention,
		now:       time.Now,
		log:       log.With().Str("component", "polls").Logger(),
	}
}

// Track records a poll the bot just sent.
func (t *PollTracker) Track(ctx context.Context, poll *pollstore.Poll) error {
	if poll.CreatedAt.IsZero() {
		poll.CreatedAt = t.now()
	}
	if err := t.store.Put(ctx, poll); err != nil {
		return fmt.Errorf("failed to track poll %s: %w", poll.ID, err)
	}
	return nil
}

// Lookup returns the poll, or nil if it is unknown or past retention.
func (t *PollTracker) Lookup(ctx context.Context, id string) (*pollstore.Poll, error) {
	poll, err := t.store.Get(ctx, id)
	if errors.Is(err, pollstore.ErrPollNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up poll %s: %w", id, err)
	}
	if t.expired(poll) {
		if err := t.store.Delete(ctx, id); err != nil {
			t.log.Warn().Err(err).Str("poll_id", id).Msg("Failed to delete expired poll")
		}
		return nil, nil
	}
	return poll, nil
}

func (t *PollTracker) expired(poll *pollstore.Poll) bool {
	return t.now().Sub(poll.CreatedAt) > t.retention
}

// Cleanup removes every poll past retention.
func (t *PollTracker) Cleanup(ctx context.Context) (int, error) {
	n, err := t.store.DeleteBefore(ctx, t.now().Add(-t.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up polls: %w", err)
	}
	if n > 0 {
		t.log.Debug().Int("removed", n).Msg("Removed expired polls")
	}
	return n, nil
}

// Clear forgets every tracked poll.
func (t *PollTracker) Clear(ctx context.Context) error {
	return t.store.Clear(ctx)
}
