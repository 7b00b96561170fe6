// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/bridgev2/status"
)

func TestManagerBackoffSequenceAndPause(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.connect(t)

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
		delays = append(delays, env.sched.FireNext(t))
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	if !reflect.DeepEqual(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	if got := env.dialer.Dials(); got != 11 {
		t.Errorf("dials = %d, want 11", got)
	}

	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	if n := len(env.sched.Pending()); n != 0 {
		t.Fatalf("expected no retry after the limit, got %d pending", n)
	}
	st := env.m.Status()
	if !st.Reconnect.Paused || st.Reconnect.Attempts != 10 {
		t.Errorf("reconnect = %+v, want paused after 10 attempts", st.Reconnect)
	}
	if env.listener.LastState() != status.StateBadCredentials {
		t.Errorf("last state = %q, want %q", env.listener.LastState(), status.StateBadCredentials)
	}
	if !env.listener.HasError(ErrReconnectExhausted) {
		t.Error("expected ErrReconnectExhausted to be reported")
	}

	// Further closes while paused stay paused.
	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	if n := len(env.sched.Pending()); n != 0 {
		t.Errorf("paused manager scheduled %d retries", n)
	}
}

func TestManagerOpenResetsBackoff(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.connect(t)

	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	env.sched.FireNext(t)
	env.closeWith(env.dialer.Last(), DisconnectRestartRequired)
	if d := env.sched.FireNext(t); d != 2*time.Second {
		t.Fatalf("second delay = %s, want 2s", d)
	}

	sock := env.dialer.Last()
	env.m.handleEvent(sock, &ConnectionUpdate{Connection: StateOpen, Me: &SelfIdentity{ID: testSelfID}})
	st := env.m.Status()
	if st.State != StateOpen || st.Reconnect != (PendingReconnect{}) {
		t.Fatalf("status after open = %+v", st)
	}
	env.closeWith(sock, DisconnectConnectionLost)
	if d := env.sched.Pending()[0].d; d != time.Second {
		t.Errorf("delay after reopen = %s, want 1s", d)
	}
	if env.listener.LastState() != status.StateTransientDisconnect {
		t.Errorf("last state = %q", env.listener.LastState())
	}
}

func TestManagerResetReconnectLeavesPause(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(o *Options) { o.Config.MaxReconnectAttempts = 1 })
	env.connect(t)
	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	env.sched.FireNext(t)
	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	if !env.m.Status().Reconnect.Paused {
		t.Fatal("expected pause after one attempt")
	}

	dials := env.dialer.Dials()
	if err := env.m.ResetReconnect(context.Background()); err != nil {
		t.Fatalf("ResetReconnect: %v", err)
	}
	st := env.m.Status()
	if st.Reconnect.Paused || st.Reconnect.Attempts != 0 {
		t.Errorf("reconnect after reset = %+v", st.Reconnect)
	}
	if env.dialer.Dials() != dials+1 {
		t.Error("ResetReconnect should dial immediately")
	}

	// Backoff starts over.
	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	if d := env.sched.Pending()[0].d; d != time.Second {
		t.Errorf("delay after reset = %s, want 1s", d)
	}
}

func TestManagerResetReconnectEndsStaleSocket(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	stale := env.connect(t)
	env.m.handleEvent(stale, &ConnectionUpdate{QR: "qr-1"})

	if err := env.m.ResetReconnect(context.Background()); err != nil {
		t.Fatalf("ResetReconnect: %v", err)
	}
	if !stale.Ended() {
		t.Error("stale socket should be ended")
	}
	fresh := env.dialer.Last()
	if fresh == stale {
		t.Fatal("expected a new socket")
	}
	if env.m.QR() != "" {
		t.Error("old QR code should be cleared")
	}

	// Events from the old socket are ignored.
	env.m.handleEvent(stale, &ConnectionUpdate{Connection: StateOpen})
	if env.m.State() == StateOpen {
		t.Error("stale open changed the state")
	}
	env.closeWith(stale, DisconnectConnectionLost)
	if n := len(env.sched.Pending()); n != 0 {
		t.Errorf("stale close scheduled %d retries", n)
	}
	if env.m.currentSocket() != Socket(fresh) {
		t.Error("stale close replaced the current socket")
	}
}

func TestManagerLoggedOutWipesAfterMarker(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.store.creds = json.RawMessage(`{"me":{}}`)
	sock := env.open(t)

	env.closeWith(sock, DisconnectLoggedOut)

	if ops := env.store.Ops(); !reflect.DeepEqual(ops, []string{"marker", "wipe"}) {
		t.Fatalf("store ops = %v, want [marker wipe]", ops)
	}
	if env.store.reason != "logged_out" {
		t.Errorf("marker reason = %q", env.store.reason)
	}
	st := env.m.Status()
	if !st.PairingMode || !st.Self.IsZero() {
		t.Errorf("status after logout = %+v", st)
	}
	if env.listener.LastState() != status.StateLoggedOut {
		t.Errorf("last state = %q, want %q", env.listener.LastState(), status.StateLoggedOut)
	}
	pending := env.sched.Pending()
	if len(pending) != 1 || pending[0].d != 2*time.Second {
		t.Fatalf("expected a fixed 2s pairing retry, got %+v", pending)
	}

	env.sched.FireNext(t)
	creds := env.dialer.creds[len(env.dialer.creds)-1]
	if creds != nil {
		t.Errorf("pairing dial used stale creds %s", creds)
	}
	env.m.handleEvent(env.dialer.Last(), &ConnectionUpdate{Connection: StateOpen, Me: &SelfIdentity{ID: testSelfID}})
	if env.store.PairingMarkerExists() {
		t.Error("pairing marker should be removed after a successful open")
	}
	if env.m.Status().PairingMode {
		t.Error("pairing mode should end on open")
	}
}

func TestManagerResumesPairingFromMarker(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(o *Options) { o.Store.(*memSessionStore).marker = true })

	if !env.m.Status().PairingMode {
		t.Fatal("marker on disk should resume pairing mode")
	}
	env.connect(t)
	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	if d := env.sched.FireNext(t); d != 2*time.Second {
		t.Errorf("pairing delay = %s, want 2s", d)
	}
}

func TestManagerMarkerFailureSkipsWipe(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.store.creds = json.RawMessage(`{"me":{}}`)
	env.store.markerErr = errors.New("disk full")
	sock := env.open(t)

	env.closeWith(sock, DisconnectLoggedOut)

	if ops := env.store.Ops(); !reflect.DeepEqual(ops, []string{"marker"}) {
		t.Fatalf("store ops = %v, want only the marker attempt", ops)
	}
	if env.store.creds == nil {
		t.Error("credentials must survive a failed marker write")
	}
	if len(env.listener.Errors()) == 0 {
		t.Error("expected the failure to be reported")
	}
}

func TestManagerShutdownSuppressesReconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sock := env.open(t)
	env.closeWith(sock, DisconnectLoggedOut)
	if len(env.sched.Pending()) != 1 {
		t.Fatal("expected a pairing retry before shutdown")
	}

	if err := env.m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := len(env.sched.Pending()); n != 0 {
		t.Errorf("shutdown left %d retries armed", n)
	}
	if err := env.m.Connect(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Connect after shutdown = %v, want ErrShuttingDown", err)
	}
	if err := env.m.ResetReconnect(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("ResetReconnect after shutdown = %v", err)
	}
	if err := env.m.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestManagerShutdownEndsSocket(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sock := env.open(t)
	_ = env.m.Shutdown(context.Background())
	if !sock.Ended() {
		t.Error("Shutdown should end the socket")
	}
	if env.m.State() != StateClose {
		t.Errorf("state = %q", env.m.State())
	}
	// The socket's own close after shutdown never reconnects.
	env.closeWith(sock, DisconnectConnectionLost)
	if len(env.sched.Pending()) != 0 {
		t.Error("close after shutdown scheduled a retry")
	}
}

func TestManagerConnectErrorDoesNotRetry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.dialer.setErr(errors.New("sidecar down"))

	err := env.m.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sidecar down") {
		t.Fatalf("Connect = %v", err)
	}
	if n := len(env.sched.Pending()); n != 0 {
		t.Errorf("direct connect failure scheduled %d retries", n)
	}
	if env.m.State() != StateClose {
		t.Errorf("state = %q, want close", env.m.State())
	}
	if env.listener.LastState() != status.StateUnknownError {
		t.Errorf("last state = %q", env.listener.LastState())
	}
}

func TestManagerRetryFailureContinuesBackoff(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.connect(t)
	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	env.dialer.setErr(errors.New("sidecar down"))

	env.sched.FireNext(t)
	pending := env.sched.Pending()
	if len(pending) != 1 || pending[0].d != 2*time.Second {
		t.Fatalf("failed retry should schedule the next attempt at 2s, got %+v", pending)
	}
	if env.m.Status().Reconnect.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", env.m.Status().Reconnect.Attempts)
	}
}

func TestManagerStreamEndReconnects(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sock := env.connect(t)
	sock.End(errors.New("ws dropped"))
	waitFor(t, func() bool { return len(env.sched.Pending()) == 1 })
	if info := env.m.Status().LastDisconnect; info == nil || info.Reason != DisconnectConnectionLost {
		t.Errorf("last disconnect = %+v", info)
	}
}

func TestManagerEventsFromChannel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sock := env.connect(t)
	sock.events <- &ConnectionUpdate{Connection: StateOpen, Me: &SelfIdentity{ID: testSelfID}}
	sock.events <- &MessagesUpsert{Type: "notify", Messages: []*WebMessage{textMessage("15550009999@s.whatsapp.net", "IN1", "hi", false)}}
	waitFor(t, func() bool { return len(env.listener.Messages()) == 1 })
	if env.m.State() != StateOpen {
		t.Errorf("state = %q", env.m.State())
	}
}

func TestManagerCredsUpdatePersisted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sock := env.connect(t)
	env.m.handleEvent(sock, &CredsUpdate{Creds: json.RawMessage(`{"rotated":1}`)})
	if string(env.store.creds) != `{"rotated":1}` {
		t.Errorf("creds = %s", env.store.creds)
	}

	env.store.saveErr = errors.New("read-only fs")
	env.m.handleEvent(sock, &CredsUpdate{Creds: json.RawMessage(`{"rotated":2}`)})
	if len(env.listener.Errors()) != 1 {
		t.Error("save failure should be reported")
	}
}

func TestManagerConnectUsesStoredCreds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.store.creds = json.RawMessage(`{"me":{"id":"x"}}`)
	env.connect(t)
	if got := string(env.dialer.creds[0]); got != `{"me":{"id":"x"}}` {
		t.Errorf("dial creds = %s", got)
	}
}

func TestManagerQRLifecycle(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	env := newTestEnv(t, func(o *Options) { o.QROutput = &out })
	sock := env.connect(t)

	env.m.handleEvent(sock, &ConnectionUpdate{QR: "2@abc,def,ghi"})
	if env.m.QR() != "2@abc,def,ghi" || !env.m.Status().HasQR {
		t.Fatal("QR code not stored")
	}
	if out.Len() == 0 {
		t.Error("QR code not rendered to the terminal writer")
	}
	env.listener.mu.Lock()
	qrs := append([]string(nil), env.listener.qrs...)
	env.listener.mu.Unlock()
	if len(qrs) != 1 {
		t.Errorf("listener QR calls = %d", len(qrs))
	}

	env.m.handleEvent(sock, &ConnectionUpdate{Connection: StateOpen, Me: &SelfIdentity{ID: testSelfID}})
	if env.m.QR() != "" {
		t.Error("QR should be cleared once connected")
	}
}

func TestManagerRequestPairingCode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.m.RequestPairingCode(ctx, "123"); !errors.Is(err, ErrInvalidPhoneNumber) {
		t.Errorf("short number = %v", err)
	}
	if _, err := env.m.RequestPairingCode(ctx, "+1 555 000 1111"); !errors.Is(err, ErrNoSocket) {
		t.Errorf("no socket = %v", err)
	}
	sock := env.connect(t)
	code, err := env.m.RequestPairingCode(ctx, "+1 (555) 000-1111")
	if err != nil || code != "ABCD-1234" {
		t.Fatalf("RequestPairingCode = %q, %v", code, err)
	}
	if sock.pairingReqs[0] != "15550001111" {
		t.Errorf("phone sent = %q, want digits only", sock.pairingReqs[0])
	}
	env.m.handleEvent(sock, &ConnectionUpdate{Connection: StateOpen})
	if _, err = env.m.RequestPairingCode(ctx, "15550001111"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("connected = %v", err)
	}
}

func TestManagerLogout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	if err := env.m.Logout(context.Background()); !errors.Is(err, ErrNoSocket) {
		t.Errorf("Logout without socket = %v", err)
	}
	sock := env.open(t)
	if err := env.m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if sock.logouts != 1 {
		t.Errorf("logouts = %d", sock.logouts)
	}
}

func TestManagerKeepAlive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(o *Options) { o.Config.KeepAliveInterval = 5 * time.Millisecond })
	sock := env.open(t)
	waitFor(t, func() bool { return sock.Presence() >= 2 })

	env.closeWith(sock, DisconnectConnectionLost)
	seen := sock.Presence()
	time.Sleep(30 * time.Millisecond)
	if sock.Presence() > seen+1 {
		t.Error("keep-alive kept running after close")
	}
}

func TestManagerBridgeStatesInOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sock := env.open(t)
	env.closeWith(sock, DisconnectConnectionLost)
	want := []status.BridgeStateEvent{status.StateConnecting, status.StateConnected, status.StateTransientDisconnect}
	if got := env.listener.StateEvents(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestManagerConnectWhileConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	first := env.open(t)

	if err := env.m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("Connect while open = %v, want ErrAlreadyConnected", err)
	}
	if got := env.dialer.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if first.Ended() {
		t.Error("open socket was ended")
	}
	if env.m.currentSocket() != Socket(first) || env.m.State() != StateOpen {
		t.Errorf("socket replaced or state changed to %q", env.m.State())
	}

	// A socket that has not opened yet still counts as the connection.
	_ = env.m.ResetReconnect(context.Background())
	if err := env.m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Connect while connecting = %v, want ErrAlreadyConnected", err)
	}
}

func TestManagerFiredRetryAfterResetIsIgnored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sock := env.open(t)
	env.closeWith(sock, DisconnectConnectionLost)
	pending := env.sched.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending retries = %d, want 1", len(pending))
	}
	// The timer fired but its callback has not run yet when the reset lands.
	fired := pending[0]

	if err := env.m.ResetReconnect(context.Background()); err != nil {
		t.Fatalf("ResetReconnect: %v", err)
	}
	resetSock := env.dialer.Last()
	env.m.handleEvent(resetSock, &ConnectionUpdate{Connection: StateOpen, Me: &SelfIdentity{ID: testSelfID}})
	dials := env.dialer.Dials()

	fired.fn()

	if got := env.dialer.Dials(); got != dials {
		t.Errorf("stale retry dialed: dials = %d, want %d", got, dials)
	}
	if resetSock.Ended() {
		t.Error("stale retry ended the reset socket")
	}
	if env.m.currentSocket() != Socket(resetSock) || env.m.State() != StateOpen {
		t.Errorf("current socket replaced, state = %q", env.m.State())
	}
	if n := len(env.sched.Pending()); n != 0 {
		t.Errorf("stale retry scheduled %d retries", n)
	}
}

func TestManagerFiredRetryWhilePausedIsIgnored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(o *Options) { o.Config.MaxReconnectAttempts = 1 })
	env.connect(t)
	env.closeWith(env.dialer.Last(), DisconnectConnectionLost)
	fired := env.sched.Pending()[0]
	env.m.mu.Lock()
	env.m.reconnect.Paused = true
	env.m.mu.Unlock()

	dials := env.dialer.Dials()
	fired.fn()
	if env.dialer.Dials() != dials {
		t.Error("retry dialed while paused")
	}
}
