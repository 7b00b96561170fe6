// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the classifier's verdict on one raw message.
type Outcome int

const (
	OutcomeDiscard Outcome = iota
	OutcomeEcho
	OutcomePollUpdate
	OutcomeDeliver
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDiscard:
		return "discard"
	case OutcomeEcho:
		return "echo"
	case OutcomePollUpdate:
		return "poll_update"
	case OutcomeDeliver:
		return "deliver"
	default:
		return "unknown"
	}
}

// Classification is the result of Classify. Message is set for
// OutcomeDeliver and PollUpdate for OutcomePollUpdate.
type Classification struct {
	Outcome    Outcome
	Reason     string
	Message    *ChatMessage
	PollUpdate *PollUpdateMessage
}

// Classifier sorts raw messages into exactly one outcome, applying the echo
// prevention layers described in the package docs.
type Classifier struct {
	sent *SentRegistry
	self func() SelfIdentity
	now  func() time.Time
}

func NewClassifier(sent *SentRegistry, self func() SelfIdentity) *Classifier {
	return &Classifier{sent: sent, self: self, now: time.Now}
}

// Classify applies the rules in order; the first match wins.
func (c *Classifier) Classify(msg *WebMessage) Classification {
	if msg == nil || msg.Key == nil || msg.Message == nil {
		return Classification{Outcome: OutcomeDiscard, Reason: "no payload"}
	}
	content := unwrapContent(msg.Message)
	if content != nil && content.PollUpdate != nil {
		return Classification{Outcome: OutcomePollUpdate, Reason: "poll vote", PollUpdate: content.PollUpdate}
	}

	key := msg.Key
	chatID := key.RemoteJID
	if IsStatusBroadcast(chatID) {
		return Classification{Outcome: OutcomeDiscard, Reason: "status broadcast"}
	}

	// Echo prevention: skip anything this process sent.
	if c.sent.Has(key.ID) {
		return Classification{Outcome: OutcomeEcho, Reason: "sent by this process"}
	}

	group := IsGroupJID(chatID)
	if key.FromMe {
		// Echo prevention: in 1:1 chats every own message is the bot's.
		if !group {
			return Classification{Outcome: OutcomeEcho, Reason: "own message in 1:1 chat"}
		}
		// Echo prevention: a group send is in flight and its id is not
		// known yet. Remember the id so later copies are caught above.
		if c.sent.HasPending(chatID) {
			c.sent.Register(key.ID)
			return Classification{Outcome: OutcomeEcho, Reason: "own group message during pending send"}
		}
		// Otherwise a human typed it on the linked phone.
	}

	text, mediaType, ok := extractContent(content)
	if !ok {
		return Classification{Outcome: OutcomeDiscard, Reason: "unsupported content"}
	}

	self := c.self()
	senderID := senderFromKey(key, self)
	return Classification{
		Outcome: OutcomeDeliver,
		Reason:  "chat message",
		Message: &ChatMessage{
			ID:         key.ID,
			ChatID:     NormalizeJID(chatID),
			SenderID:   senderID,
			SenderName: senderName(msg, senderID, self),
			Text:       text,
			Timestamp:  parseTimestamp(msg.MessageTimestamp, c.now()),
			IsGroup:    group,
			FromMe:     key.FromMe,
			MediaType:  mediaType,
		},
	}
}

// handleEvent dispatches a transport event to the appropriate handler. A
// panic while handling one event is logged and the next event still runs.
func (m *Manager) handleEvent(sock Socket, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while handling %T: %v", evt, r)
			m.log.Error().Err(err).Msg("Recovered from panic in event handler")
			m.listeners.error(err)
		}
	}()
	ctx := m.log.WithContext(context.Background())
	switch e := evt.(type) {
	case *ConnectionUpdate:
		m.handleConnectionUpdate(sock, e)
	case *CredsUpdate:
		m.handleCredsUpdate(e)
	case *MessagesUpsert:
		m.handleMessagesUpsert(ctx, e)
	case *MessagesUpdate:
		m.handleMessagesUpdate(ctx, e)
	case *HistorySync:
		m.handleHistorySync(ctx, e)
	default:
		m.log.Trace().Type("event_type", evt).Msg("Unhandled event type")
	}
}

func (m *Manager) handleMessagesUpsert(ctx context.Context, evt *MessagesUpsert) {
	fromHistory := evt.Type != "" && evt.Type != "notify"
	for _, msg := range evt.Messages {
		m.processMessage(ctx, msg, fromHistory)
	}
}

// processMessage classifies one message and routes it. A failure or panic
// here is logged and does not affect the next message.
func (m *Manager) processMessage(ctx context.Context, msg *WebMessage, fromHistory bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while handling message: %v", r)
			m.log.Error().Err(err).Msg("Recovered from panic in message handler")
			m.listeners.error(err)
		}
	}()

	result := m.classifier.Classify(msg)
	m.metrics.observeInbound(result.Outcome)
	switch result.Outcome {
	case OutcomePollUpdate:
		upd := result.PollUpdate
		if upd.PollCreationMessageKey == nil || upd.Vote == nil {
			m.log.Debug().Str("message_id", msg.Key.ID).Msg("Dropping poll update without poll key or vote")
			return
		}
		m.handlePollVote(ctx, &pollVoteRequest{
			PollID:    upd.PollCreationMessageKey.ID,
			VoterKey:  msg.Key,
			Vote:      upd.Vote,
			Timestamp: voteTimestamp(upd.SenderTimestampMs, msg.MessageTimestamp),
		})
	case OutcomeDeliver:
		result.Message.FromHistory = fromHistory
		m.deliverMessage(ctx, result.Message)
	default:
		var id string
		if msg != nil && msg.Key != nil {
			id = msg.Key.ID
		}
		m.log.Trace().
			Str("message_id", id).
			Stringer("outcome", result.Outcome).
			Str("reason", result.Reason).
			Msg("Skipping message")
	}
}

// deliverMessage applies the inbound permission policy and notifies listeners.
func (m *Manager) deliverMessage(ctx context.Context, msg *ChatMessage) {
	decision := DecisionFor(PermissionReadWrite)
	if m.inbound != nil {
		var err error
		decision, err = m.inbound.Decide(ctx, msg.ChatID, msg.SenderID)
		if err != nil {
			m.log.Warn().Err(err).
				Str("chat_id", msg.ChatID).
				Str("message_id", msg.ID).
				Msg("Inbound permission check failed, dropping message")
			return
		}
	}
	if !decision.ShouldStore {
		m.log.Debug().Str("chat_id", msg.ChatID).Str("message_id", msg.ID).Msg("Dropping message from ignored chat")
		return
	}
	msg.Permission = decision
	m.log.Debug().
		Str("chat_id", msg.ChatID).
		Str("message_id", msg.ID).
		Str("sender_id", msg.SenderID).
		Bool("from_history", msg.FromHistory).
		Msg("Delivering message")
	m.listeners.message(msg)
}

func (m *Manager) handleMessagesUpdate(ctx context.Context, evt *MessagesUpdate) {
	for _, upd := range evt.Updates {
		if upd == nil || upd.Key == nil {
			continue
		}
		for _, entry := range upd.Update.PollUpdates {
			if entry == nil || entry.Vote == nil {
				continue
			}
			m.metrics.observeInbound(OutcomePollUpdate)
			m.handlePollVote(ctx, &pollVoteRequest{
				PollID:    upd.Key.ID,
				VoterKey:  entry.PollUpdateMessageKey,
				Hashes:    entry.Vote.SelectedOptions,
				Timestamp: voteTimestamp(entry.SenderTimestampMs, nil),
			})
		}
		if content := unwrapContent(upd.Update.Message); content != nil && content.PollUpdate != nil {
			m.processMessage(ctx, &WebMessage{Key: upd.Key, Message: content}, false)
		}
	}
}

func (m *Manager) handlePollVote(ctx context.Context, req *pollVoteRequest) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("poll_id", req.PollID).Msg("Recovered from panic in poll vote handler")
		}
	}()
	vote, err := m.decryptor.Resolve(ctx, req)
	if err != nil {
		m.metrics.observePollVote(err)
		evt := m.log.Debug()
		if !errors.Is(err, ErrPollUnknown) {
			evt = m.log.Warn()
		}
		evt.Err(err).Str("poll_id", req.PollID).Msg("Dropping poll vote")
		return
	}
	m.metrics.observePollVote(nil)
	m.log.Debug().
		Str("poll_id", vote.PollID).
		Str("voter_id", vote.VoterID).
		Strs("selected", vote.SelectedOptions).
		Msg("Poll vote received")
	m.listeners.pollVote(vote)
}

// voteTimestamp prefers the millisecond sender timestamp of a vote.
func voteTimestamp(senderMs, fallback []byte) time.Time {
	if ms, ok := parseLong(senderMs); ok && ms > 0 {
		return time.UnixMilli(ms)
	}
	return parseTimestamp(fallback, time.Now())
}
