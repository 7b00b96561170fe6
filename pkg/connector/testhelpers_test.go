// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"
)

// fakeTimer is one timer handed out by fakeScheduler.
type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// fakeScheduler replaces time.AfterFunc so timer-driven code runs on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Pending returns the timers that were neither stopped nor fired.
func (s *fakeScheduler) Pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// FireAll runs every currently pending timer. Timers created while firing
// stay pending.
func (s *fakeScheduler) FireAll() {
	for _, t := range s.Pending() {
		s.mu.Lock()
		t.fired = true
		s.mu.Unlock()
		t.fn()
	}
}

// FireNext runs the oldest pending timer and returns its delay.
func (s *fakeScheduler) FireNext(tb testing.TB) time.Duration {
	tb.Helper()
	pending := s.Pending()
	if len(pending) == 0 {
		tb.Fatal("no pending timer to fire")
	}
	t := pending[0]
	s.mu.Lock()
	t.fired = true
	s.mu.Unlock()
	t.fn()
	return t.d
}

type sentCall struct {
	ChatID  string
	Message *OutgoingMessage
}

// fakeSocket is a scripted transport session.
type fakeSocket struct {
	events chan Event

	mu          sync.Mutex
	sends       []sentCall
	nextID      int
	idPrefix    string
	noID        bool
	sendErr     error
	onSend      func(chatID string)
	presence    int
	pairingCode string
	pairingReqs []string
	logoutErr   error
	logouts     int
	ended       bool
	endErr      error
	endOnce     sync.Once
}

func newFakeSocket(prefix string) *fakeSocket {
	return &fakeSocket{events: make(chan Event, 64), idPrefix: prefix, pairingCode: "ABCD-1234"}
}

func (s *fakeSocket) Events() <-chan Event {
	return s.events
}

func (s *fakeSocket) SendMessage(_ context.Context, chatID string, msg *OutgoingMessage) (*SendResult, error) {
	s.mu.Lock()
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend(chatID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sends = append(s.sends, sentCall{ChatID: chatID, Message: msg})
	if s.noID {
		return &SendResult{}, nil
	}
	s.nextID++
	id := s.idPrefix + "SENT" + strconv.Itoa(s.nextID)
	return &SendResult{Key: &MessageKey{RemoteJID: chatID, FromMe: true, ID: id}}, nil
}

func (s *fakeSocket) RequestPairingCode(_ context.Context, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingReqs = append(s.pairingReqs, phone)
	return s.pairingCode, nil
}

func (s *fakeSocket) SendPresence(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence++
	return nil
}

func (s *fakeSocket) Logout(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return s.logoutErr
}

func (s *fakeSocket) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.endErr = err
		s.mu.Unlock()
		close(s.events)
	})
}

func (s *fakeSocket) Sends() []sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentCall(nil), s.sends...)
}

func (s *fakeSocket) Presence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

func (s *fakeSocket) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// fakeDialer hands out a new fakeSocket per Dial and records the credentials.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	creds   []json.RawMessage
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, creds json.RawMessage) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)
	if d.err != nil {
		return nil, d.err
	}
	sock := newFakeSocket(strconv.Itoa(len(d.sockets)+1) + "-")
	d.sockets = append(d.sockets, sock)
	return sock, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) Last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// memSessionStore is an in-memory SessionStore that records operation order.
type memSessionStore struct {
	mu        sync.Mutex
	creds     json.RawMessage
	marker    bool
	reason    string
	ops       []string
	markerErr error
	saveErr   error
}

func (s *memSessionStore) Load() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *memSessionStore) Save(creds json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "save")
	if s.saveErr != nil {
		return s.saveErr
	}
	s.creds = creds
	return nil
}

func (s *memSessionStore) WipeAndRecreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "wipe")
	s.creds = nil
	return nil
}

func (s *memSessionStore) CreatePairingMarker(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "marker")
	if s.markerErr != nil {
		return s.markerErr
	}
	s.marker = true
	s.reason = reason
	return nil
}

func (s *memSessionStore) RemovePairingMarker() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "unmark")
	s.marker = false
	return nil
}

func (s *memSessionStore) PairingMarkerExists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker
}

func (s *memSessionStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// recordingListener captures every notification.
type recordingListener struct {
	mu       sync.Mutex
	states   []status.BridgeState
	qrs      []string
	messages []*ChatMessage
	votes    []*PollVote
	errs     []error
}

func (l *recordingListener) OnBridgeState(state status.BridgeState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) OnQR(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.qrs = append(l.qrs, code)
}

func (l *recordingListener) OnMessage(msg *ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingListener) OnPollVote(vote *PollVote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votes = append(l.votes, vote)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) StateEvents() []status.BridgeStateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]status.BridgeStateEvent, len(l.states))
	for i, s := range l.states {
		out[i] = s.StateEvent
	}
	return out
}

func (l *recordingListener) LastState() status.BridgeStateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return ""
	}
	return l.states[len(l.states)-1].StateEvent
}

func (l *recordingListener) Messages() []*ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*ChatMessage(nil), l.messages...)
}

func (l *recordingListener) Votes() []*PollVote {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*PollVote(nil), l.votes...)
}

func (l *recordingListener) QRs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.qrs...)
}

func (l *recordingListener) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *recordingListener) HasError(target error) bool {
	for _, err := range l.Errors() {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// testEnv bundles a manager with its fakes.
type testEnv struct {
	m        *Manager
	dialer   *fakeDialer
	store    *memSessionStore
	listener *recordingListener
	sched    *fakeScheduler
}

const (
	testSelfID  = "15550000001@s.whatsapp.net"
	testSelfLID = "99990000001@lid"
)

func allowAll() WritePolicy {
	return WritePolicyFunc(func(context.Context, string) (WritePermission, error) {
		return WritePermission{Allowed: true, Level: PermissionReadWrite}, nil
	})
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer:   &fakeDialer{},
		store:    &memSessionStore{},
		listener: &recordingListener{},
		sched:    newFakeScheduler(),
	}
	opts := Options{
		Dialer: env.dialer,
		Store:  env.store,
		Write:  allowAll(),
		Log:    zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	env.m = NewManager(opts)
	env.m.after = env.sched.AfterFunc
	env.m.AddListener(env.listener)
	t.Cleanup(func() { _ = env.m.Shutdown(context.Background()) })
	return env
}

// connect dials and returns the new socket without opening it.
func (e *testEnv) connect(t *testing.T) *fakeSocket {
	t.Helper()
	if err := e.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return e.dialer.Last()
}

// open dials and delivers an open update with the test identity.
func (e *testEnv) open(t *testing.T) *fakeSocket {
	t.Helper()
	sock := e.connect(t)
	e.m.handleEvent(sock, &ConnectionUpdate{
		Connection: StateOpen,
		Me:         &SelfIdentity{ID: "15550000001:12@s.whatsapp.net", LID: "99990000001:12@lid", Name: "Bot"},
	})
	return sock
}

func (e *testEnv) closeWith(sock *fakeSocket, reason DisconnectReason) {
	e.m.handleEvent(sock, &ConnectionUpdate{
		Connection:     StateClose,
		LastDisconnect: &DisconnectInfo{Reason: reason},
	})
}

func textMessage(remote, id, text string, fromMe bool) *WebMessage {
	return &WebMessage{
		Key:              &MessageKey{RemoteJID: remote, FromMe: fromMe, ID: id},
		Message:          &MessageContent{Conversation: text},
		MessageTimestamp: json.RawMessage(`1700000000`),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
