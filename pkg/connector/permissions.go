// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PermissionLevel is how much the bot may do in a chat.
type PermissionLevel string

const (
	PermissionIgnored   PermissionLevel = "ignored"
	PermissionReadOnly  PermissionLevel = "read_only"
	PermissionReadWrite PermissionLevel = "read_write"
)

func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch level := PermissionLevel(strings.ToLower(strings.TrimSpace(s))); level {
	case PermissionIgnored, PermissionReadOnly, PermissionReadWrite:
		return level, nil
	default:
		return "", fmt.Errorf("invalid permission level %q", s)
	}
}

// PermissionDecision is the inbound verdict for a message.
type PermissionDecision struct {
	Level         PermissionLevel `json:"level"`
	ShouldStore   bool            `json:"should_store"`
	ShouldRespond bool            `json:"should_respond"`
}

// DecisionFor derives the inbound decision for a level.
func DecisionFor(level PermissionLevel) PermissionDecision {
	return PermissionDecision{
		Level:         level,
		ShouldStore:   level == PermissionReadOnly || level == PermissionReadWrite,
		ShouldRespond: level == PermissionReadWrite,
	}
}

// WritePermission is the outbound verdict for a chat.
type WritePermission struct {
	Allowed bool
	Level   PermissionLevel
}

// InboundPolicy decides what to do with a received message.
type InboundPolicy interface {
	Decide(ctx context.Context, chatID, senderID string) (PermissionDecision, error)
}

// WritePolicy decides whether the bot may send into a chat.
type WritePolicy interface {
	CanWrite(ctx context.Context, chatID string) (WritePermission, error)
}

type InboundPolicyFunc func(ctx context.Context, chatID, senderID string) (PermissionDecision, error)

func (f InboundPolicyFunc) Decide(ctx context.Context, chatID, senderID string) (PermissionDecision, error) {
	return f(ctx, chatID, senderID)
}

type WritePolicyFunc func(ctx context.Context, chatID string) (WritePermission, error)

func (f WritePolicyFunc) CanWrite(ctx context.Context, chatID string) (WritePermission, error) {
	return f(ctx, chatID)
}

// ErrPermissionDenied is matched by every *PermissionDeniedError.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionDeniedError is returned when a send is refused before it reaches
// the network.
type PermissionDeniedError struct {
	ChatID string
	Level  PermissionLevel
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("permission denied for chat %s (level %s)", e.ChatID, e.Level)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *PermissionDeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// StaticPolicy assigns a fixed level per chat with a default for the rest.
// It serves as both the inbound and the write policy.
type StaticPolicy struct {
	Default PermissionLevel
	Chats   map[string]PermissionLevel
}

var (
	_ InboundPolicy = (*StaticPolicy)(nil)
	_ WritePolicy   = (*StaticPolicy)(nil)
)

// NewStaticPolicy builds a policy from config values, normalizing chat ids.
func NewStaticPolicy(defaultLevel string, chats map[string]string) (*StaticPolicy, error) {
	def, err := ParsePermissionLevel(defaultLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse default permission: %w", err)
	}
	p := &StaticPolicy{Default: def, Chats: make(map[string]PermissionLevel, len(chats))}
	for chat, raw := range chats {
		level, err := ParsePermissionLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse permission for %s: %w", chat, err)
		}
		p.Chats[NormalizeJID(chat)] = level
	}
	return p, nil
}

func (p *StaticPolicy) level(chatID string) PermissionLevel {
	if level, ok := p.Chats[NormalizeJID(chatID)]; ok {
		return level
	}
	return p.Default
}

func (p *StaticPolicy) Decide(_ context.Context, chatID, _ string) (PermissionDecision, error) {
	return DecisionFor(p.level(chatID)), nil
}

func (p *StaticPolicy) CanWrite(_ context.Context, chatID string) (WritePermission, error) {
	level := p.level(chatID)
	return WritePermission{Allowed: level == PermissionReadWrite, Level: level}, nil
}
