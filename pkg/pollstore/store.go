// Copyright 2024-2026 Aiku AI

// Package pollstore persists the polls the bot has sent, together with the
// per-poll secret needed to decrypt votes on them.
package pollstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPollExists is returned when a poll id is stored twice. A poll's
	// secret is fixed at creation and never replaced.
	ErrPollExists = errors.New("poll already exists")
	// ErrPollNotFound is returned by Get for unknown ids.
	ErrPollNotFound = errors.New("poll not found")
)

// Poll is a poll sent by the bot.
type Poll struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chat_id"`
	Question        string    `json:"question"`
	Options         []string  `json:"options"`
	SelectableCount int       `json:"selectable_count"`
	Secret          []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the persistence contract for active polls.
type Store interface {
	// Put inserts a poll. It returns ErrPollExists if the id is taken.
	Put(ctx context.Context, poll *Poll) error
	// Get returns the poll or ErrPollNotFound.
	Get(ctx context.Context, id string) (*Poll, error)
	Delete(ctx context.Context, id string) error
	// DeleteBefore removes polls created before cutoff and returns how many.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

func clonePoll(p *Poll) *Poll {
	cp := *p
	cp.Options = append([]string(nil), p.Options...)
	cp.Secret = append([]byte(nil), p.Secret...)
	return &cp
}
