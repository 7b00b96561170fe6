// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"
)

// ChatMessage is an inbound message ready for the bot.
type ChatMessage struct {
	ID          string             `json:"id"`
	ChatID      string             `json:"chat_id"`
	SenderID    string             `json:"sender_id"`
	SenderName  string             `json:"sender_name,omitempty"`
	Text        string             `json:"text"`
	Timestamp   time.Time          `json:"timestamp"`
	IsGroup     bool               `json:"is_group"`
	FromMe      bool               `json:"from_me,omitempty"`
	MediaType   string             `json:"media_type,omitempty"`
	FromHistory bool               `json:"from_history,omitempty"`
	Permission  PermissionDecision `json:"permission"`
}

// PollVote is a decrypted vote on a poll the bot sent.
type PollVote struct {
	PollID          string    `json:"poll_id"`
	ChatID          string    `json:"chat_id"`
	VoterID         string    `json:"voter_id"`
	Question        string    `json:"question"`
	SelectedOptions []string  `json:"selected_options"`
	Timestamp       time.Time `json:"timestamp"`
}

// Listener receives connection and message notifications. Calls happen on
// the event-processing goroutine, in event order, so implementations must
// not block for long.
type Listener interface {
	OnBridgeState(state status.BridgeState)
	OnQR(code string)
	OnMessage(msg *ChatMessage)
	OnPollVote(vote *PollVote)
	OnError(err error)
}

// ListenerFuncs adapts optional callbacks to the Listener interface.
type ListenerFuncs struct {
	BridgeState func(state status.BridgeState)
	QR          func(code string)
	Message     func(msg *ChatMessage)
	PollVote    func(vote *PollVote)
	Error       func(err error)
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) OnBridgeState(state status.BridgeState) {
	if f.BridgeState != nil {
		f.BridgeState(state)
	}
}

func (f ListenerFuncs) OnQR(code string) {
	if f.QR != nil {
		f.QR(code)
	}
}

func (f ListenerFuncs) OnMessage(msg *ChatMessage) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f ListenerFuncs) OnPollVote(vote *PollVote) {
	if f.PollVote != nil {
		f.PollVote(vote)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// listenerSet fans notifications out to every registered listener. A
// panicking listener is logged and the remaining listeners still run.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
	log       zerolog.Logger
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Listener(nil), s.listeners...)
}

func (s *listenerSet) each(callback string, fn func(l Listener)) {
	for _, l := range s.snapshot() {
		s.call(callback, l, fn)
	}
}

func (s *listenerSet) call(callback string, l Listener, fn func(l Listener)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("callback", callback).
				Type("listener", l).
				Msg("Recovered from panic in listener")
		}
	}()
	fn(l)
}

func (s *listenerSet) bridgeState(state status.BridgeState) {
	s.each("OnBridgeState", func(l Listener) { l.OnBridgeState(state) })
}

func (s *listenerSet) qr(code string) {
	s.each("OnQR", func(l Listener) { l.OnQR(code) })
}

func (s *listenerSet) message(msg *ChatMessage) {
	s.each("OnMessage", func(l Listener) { l.OnMessage(msg) })
}

func (s *listenerSet) pollVote(vote *PollVote) {
	s.each("OnPollVote", func(l Listener) { l.OnPollVote(vote) })
}

func (s *listenerSet) error(err error) {
	s.each("OnError", func(l Listener) { l.OnError(err) })
}
