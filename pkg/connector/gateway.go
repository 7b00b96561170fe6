// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/aiku/whatsapp-hub/pkg/pollstore"
	"github.com/aiku/whatsapp-hub/pkg/connector/wafmt"
)

// ErrNotConnected is returned by sends while no socket is available.
var ErrNotConnected = errors.New("not connected to WhatsApp")

// pollSecretSize is the length of the per-poll message secret.
const pollSecretSize = 32

// socketSource hands out the currently active socket, or nil.
type socketSource interface {
	currentSocket() Socket
}

// Gateway is the only path for outbound traffic. Every send is checked
// against the write policy and registered for echo suppression.
type Gateway struct {
	sockets        socketSource
	write          WritePolicy
	sent           *SentRegistry
	polls          *PollTracker
	metrics        *Metrics
	formatMarkdown bool
	log            zerolog.Logger
}

// SendText sends a text message and returns its id.
func (g *Gateway) SendText(ctx context.Context, chatID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("refusing to send empty message")
	}
	if g.formatMarkdown {
		text = wafmt.FromMarkdown(text)
	}
	return g.send(ctx, chatID, &OutgoingMessage{Text: text})
}

// SendPoll sends a poll and tracks it so votes can be decrypted later.
func (g *Gateway) SendPoll(ctx context.Context, chatID, question string, options []string, selectable int) (*pollstore.Poll, error) {
	if question == "" {
		return nil, fmt.Errorf("poll question is empty")
	}
	if len(options) < 2 {
		return nil, fmt.Errorf("poll needs at least two options, got %d", len(options))
	}
	if selectable < 0 || selectable > len(options) {
		return nil, fmt.Errorf("invalid selectable option count %d", selectable)
	}
	secret := random.Bytes(pollSecretSize)
	id, err := g.send(ctx, chatID, &OutgoingMessage{Poll: &OutgoingPoll{
		Name:            question,
		Values:          options,
		SelectableCount: selectable,
		MessageSecret:   secret,
	}})
	if err != nil {
		return nil, err
	}
	poll := &pollstore.Poll{
		ID:              id,
		ChatID:          NormalizeJID(chatID),
		Question:        question,
		Options:         append([]string(nil), options...),
		SelectableCount: selectable,
		Secret:          secret,
	}
	if err = g.polls.Track(ctx, poll); err != nil {
		return nil, err
	}
	return poll, nil
}

// SendReaction reacts to a message. An empty emoji removes the reaction.
func (g *Gateway) SendReaction(ctx context.Context, chatID string, target *MessageKey, emoji string) (string, error) {
	if target == nil || target.ID == "" {
		return "", fmt.Errorf("reaction target is missing")
	}
	return g.send(ctx, chatID, &OutgoingMessage{React: &OutgoingReaction{
		Text: reactionEmoji(emoji),
		Key:  target,
	}})
}

func (g *Gateway) send(ctx context.Context, chatID string, msg *OutgoingMessage) (string, error) {
	log := g.log.With().Str("chat_id", chatID).Logger()
	if err := g.checkWrite(ctx, chatID); err != nil {
		g.metrics.observeOutbound(err)
		log.Warn().Err(err).Msg("Outbound message blocked")
		return "", err
	}
	sock := g.sockets.currentSocket()
	if sock == nil {
		g.metrics.observeOutbound(ErrNotConnected)
		return "", ErrNotConnected
	}

	if IsGroupJID(chatID) {
		g.sent.MarkPending(chatID)
		defer g.sent.ClearPending(chatID)
	}
	res, err := sock.SendMessage(ctx, chatID, msg)
	if err != nil {
		err = fmt.Errorf("failed to send message: %w", err)
		g.metrics.observeOutbound(err)
		return "", err
	}
	var id string
	if res != nil && res.Key != nil {
		id = res.Key.ID
	}
	if id != "" {
		g.sent.Register(id)
	} else {
		log.Warn().Msg("Transport returned no message id, echo suppression relies on the pending marker")
	}
	g.metrics.observeOutbound(nil)
	log.Debug().Str("message_id", id).Msg("Sent message")
	return id, nil
}

// checkWrite fails closed: no policy, a policy error, or a denial all block the send.
func (g *Gateway) checkWrite(ctx context.Context, chatID string) error {
	if g.write == nil {
		return &PermissionDeniedError{ChatID: chatID, Level: PermissionIgnored, Reason: "no write policy configured"}
	}
	perm, err := g.write.CanWrite(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to check write permission: %w", err)
	}
	if !perm.Allowed {
		return &PermissionDeniedError{ChatID: chatID, Level: perm.Level}
	}
	return nil
}

// reactionEmoji converts a shortcode such as ":+1:" to its Unicode emoji.
// Anything else is passed through.
func reactionEmoji(emoji string) string {
	shortcodes := map[string]string{
		"+1":               "\U0001f44d",
		"thumbsup":         "\U0001f44d",
		"-1":               "\U0001f44e",
		"thumbsdown":       "\U0001f44e",
		"heart":            "❤️",
		"smile":            "\U0001f604",
		"laughing":         "\U0001f606",
		"wave":             "\U0001f44b",
		"clap":             "\U0001f44f",
		"fire":             "\U0001f525",
		"100":              "\U0001f4af",
		"tada":             "\U0001f389",
		"eyes":             "\U0001f440",
		"thinking":         "\U0001f914",
		"white_check_mark": "✅",
		"x":                "❌",
		"warning":          "⚠️",
		"rocket":           "\U0001f680",
		"star":             "⭐",
		"pray":             "\U0001f64f",
	}
	name := emoji
	if len(name) > 2 && name[0] == ':' && name[len(name)-1] == ':' {
		name = name[1 : len(name)-1]
	}
	if uni, ok := shortcodes[name]; ok {
		return uni
	}
	return emoji
}
