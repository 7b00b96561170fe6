// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/whatsapp-hub/pkg/pollstore"
)

var (
	ErrShuttingDown       = errors.New("connection manager is shutting down")
	ErrConnectInProgress  = errors.New("a connection attempt is already in progress")
	ErrNoSocket           = errors.New("no WhatsApp socket, connect first")
	ErrAlreadyConnected   = errors.New("already connected to WhatsApp")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted, regenerate the QR code")
)

// SessionStore persists credentials and the pairing-mode marker.
type SessionStore interface {
	Load() (json.RawMessage, error)
	Save(creds json.RawMessage) error
	// WipeAndRecreate deletes all credentials but keeps the pairing marker.
	WipeAndRecreate() error
	CreatePairingMarker(reason string) error
	RemovePairingMarker() error
	PairingMarkerExists() bool
}

// Options configures a Manager.
type Options struct {
	Config    WhatsAppConfig
	Polls     PollsConfig
	Dialer    Dialer
	Store     SessionStore
	PollStore pollstore.Store
	// Inbound annotates delivered messages. Nil means read_write for all chats.
	Inbound InboundPolicy
	// Write gates every outbound send. Nil refuses all sends.
	Write   WritePolicy
	Metrics *Metrics
	// QROutput receives a terminal rendering of each QR code when set.
	QROutput io.Writer
	Log      zerolog.Logger
}

// Manager owns the WhatsApp connection: it dials the transport, tracks the
// connection state, reconnects with backoff and routes transport events.
type Manager struct {
	cfg     WhatsAppConfig
	policy  ReconnectPolicy
	dialer  Dialer
	store   SessionStore
	inbound InboundPolicy
	metrics *Metrics
	qrOut   io.Writer
	log     zerolog.Logger

	cleanupInterval time.Duration

	sent       *SentRegistry
	polls      *PollTracker
	classifier *Classifier
	decryptor  *PollVoteDecryptor
	gateway    *Gateway
	listeners  listenerSet

	after afterFunc

	mu             sync.Mutex
	state          ConnectionState
	sock           Socket
	connecting     bool
	shuttingDown   bool
	pairingMode    bool
	reconnect      PendingReconnect
	stopRetry      func() bool
	retryGen       uint64
	qr             string
	self           SelfIdentity
	lastDisconnect *DisconnectInfo
	keepAlive      *periodicTask
	pollCleanup    *periodicTask
}

// NewManager creates a manager. It resumes pairing mode when the store
// still holds a pairing marker from a previous run.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	cfg.applyDefaults()
	pollsCfg := opts.Polls
	pollsCfg.applyDefaults()

	log := opts.Log.With().Str("component", "wa_manager").Logger()
	m := &Manager{
		cfg:             cfg,
		policy:          cfg.ReconnectPolicy(),
		dialer:          opts.Dialer,
		store:           opts.Store,
		inbound:         opts.Inbound,
		metrics:         opts.Metrics,
		qrOut:           opts.QROutput,
		log:             log,
		cleanupInterval: pollsCfg.CleanupInterval,
		sent:            NewSentRegistry(cfg.SentMessageTTL),
		after:           realAfterFunc,
		state:           StateConnecting,
	}
	m.listeners.log = log
	m.polls = NewPollTracker(opts.PollStore, pollsCfg.Retention, log)
	m.classifier = NewClassifier(m.sent, m.Self)
	m.decryptor = NewPollVoteDecryptor(m.polls, m.Self, log)
	m.gateway = &Gateway{
		sockets:        m,
		write:          opts.Write,
		sent:           m.sent,
		polls:          m.polls,
		metrics:        opts.Metrics,
		formatMarkdown: cfg.FormatMarkdown,
		log:            log.With().Str("component", "wa_gateway").Logger(),
	}
	if m.store != nil && m.store.PairingMarkerExists() {
		m.pairingMode = true
		log.Info().Msg("Pairing marker found, resuming pairing mode")
	}
	return m
}

// AddListener registers a listener. Listeners added after Connect only see
// later notifications.
func (m *Manager) AddListener(l Listener) {
	m.listeners.add(l)
}

// Gateway returns the outbound gateway bound to this manager.
func (m *Manager) Gateway() *Gateway {
	return m.gateway
}

// Polls returns the tracker of sent polls.
func (m *Manager) Polls() *PollTracker {
	return m.polls
}

// Self returns the linked account, or the zero value before the first open.
func (m *Manager) Self() SelfIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) currentSocket() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State          ConnectionState  `json:"state"`
	PairingMode    bool             `json:"pairing_mode"`
	Reconnect      PendingReconnect `json:"reconnect"`
	HasQR          bool             `json:"has_qr"`
	Self           SelfIdentity     `json:"self"`
	LastDisconnect *DisconnectInfo  `json:"last_disconnect,omitempty"`
	TrackedSent    int              `json:"tracked_sent"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state,
		PairingMode:    m.pairingMode,
		Reconnect:      m.reconnect,
		HasQR:          m.qr != "",
		Self:           m.self,
		LastDisconnect: m.lastDisconnect,
		TrackedSent:    m.sent.Len(),
	}
}

// errStaleRetry is returned to a retry callback that was superseded after
// its timer had already fired.
var errStaleRetry = errors.New("stale reconnect timer")

// Connect dials the transport with the stored credentials. Failures are
// returned and reported to listeners; they do not schedule a retry. It
// returns ErrAlreadyConnected while a socket exists.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, nil)
}

// connect dials unless retryGen is set and no longer matches the current
// retry generation.
func (m *Manager) connect(ctx context.Context, retryGen *uint64) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if retryGen != nil && (*retryGen != m.retryGen || m.reconnect.Paused) {
		m.mu.Unlock()
		return errStaleRetry
	}
	if m.connecting {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	if m.sock != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.cancelRetryLocked()
	m.connecting = true
	m.state = StateConnecting
	pairing := m.pairingMode
	attempt := m.reconnect.Attempts
	m.mu.Unlock()

	log := m.log.With().Str("attempt_id", xid.New().String()).Logger()
	log.Info().Int("attempt", attempt).Bool("pairing_mode", pairing).Msg("Connecting to WhatsApp")
	m.metrics.setState(StateConnecting)
	m.sendBridgeState(status.BridgeState{StateEvent: status.StateConnecting})

	sock, err := m.dial(ctx)

	m.mu.Lock()
	m.connecting = false
	if err == nil && m.shuttingDown {
		m.mu.Unlock()
		sock.End(ErrShuttingDown)
		return ErrShuttingDown
	}
	if err == nil && m.sock != nil {
		m.mu.Unlock()
		sock.End(ErrAlreadyConnected)
		return ErrAlreadyConnected
	}
	if err != nil {
		m.state = StateClose
		m.mu.Unlock()
		log.Err(err).Msg("Connection attempt failed")
		m.metrics.setState(StateClose)
		m.sendBridgeState(status.BridgeState{
			StateEvent: status.StateUnknownError,
			Error:      "wa-connect-failed",
			Message:    err.Error(),
		})
		m.listeners.error(err)
		return err
	}
	m.sock = sock
	m.mu.Unlock()

	go m.listen(sock)
	return nil
}

func (m *Manager) dial(ctx context.Context) (Socket, error) {
	var creds json.RawMessage
	if m.store != nil {
		var err error
		creds, err = m.store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
	}
	sock, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to dial transport: %w", err)
	}
	return sock, nil
}

// listen drains a socket's events. Events from a socket that is no longer
// current are dropped.
func (m *Manager) listen(sock Socket) {
	for evt := range sock.Events() {
		if m.currentSocket() != sock {
			continue
		}
		m.handleEvent(sock, evt)
	}
	// The stream ended without a close update.
	if m.currentSocket() == sock {
		m.handleClose(sock, &DisconnectInfo{Reason: DisconnectConnectionLost, Message: "event stream ended"})
	}
}

func (m *Manager) handleConnectionUpdate(sock Socket, evt *ConnectionUpdate) {
	if evt.Me != nil {
		m.mu.Lock()
		m.self = *evt.Me
		m.mu.Unlock()
	}
	if evt.QR != "" {
		m.handleQR(evt.QR)
	}
	switch evt.Connection {
	case StateOpen:
		m.handleOpen(sock)
	case StateClose:
		m.handleClose(sock, evt.LastDisconnect)
	case StateConnecting:
		m.mu.Lock()
		if m.sock == sock {
			m.state = StateConnecting
		}
		m.mu.Unlock()
	}
}

func (m *Manager) handleOpen(sock Socket) {
	m.mu.Lock()
	if m.sock != sock {
		m.mu.Unlock()
		return
	}
	m.state = StateOpen
	m.reconnect = PendingReconnect{}
	m.qr = ""
	m.lastDisconnect = nil
	wasPairing := m.pairingMode
	m.pairingMode = false
	self := m.self
	m.startTasksLocked(sock)
	m.mu.Unlock()

	if wasPairing && m.store != nil {
		if err := m.store.RemovePairingMarker(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to remove pairing marker")
		}
	}
	m.metrics.setState(StateOpen)
	m.metrics.setPaused(false)
	m.log.Info().
		Str("self_id", self.ID).
		Str("self_lid", self.LID).
		Bool("was_pairing", wasPairing).
		Msg("Connected to WhatsApp")
	m.sendBridgeState(status.BridgeState{StateEvent: status.StateConnected})
}

func (m *Manager) handleClose(sock Socket, info *DisconnectInfo) {
	m.mu.Lock()
	if m.sock != sock {
		m.mu.Unlock()
		return
	}
	if info == nil {
		info = &DisconnectInfo{Reason: DisconnectConnectionClosed}
	}
	m.sock = nil
	m.state = StateClose
	m.lastDisconnect = info
	m.stopTasksLocked()
	shuttingDown := m.shuttingDown
	m.mu.Unlock()

	sock.End(nil)
	m.metrics.setState(StateClose)
	m.log.Warn().
		Int("status_code", int(info.Reason)).
		Stringer("reason", info.Reason).
		Str("message", info.Message).
		Msg("WhatsApp connection closed")

	if info.Reason == DisconnectLoggedOut && !shuttingDown {
		m.enterPairingMode("logged_out")
		m.sendBridgeState(status.BridgeState{
			StateEvent: status.StateLoggedOut,
			Error:      "wa-logged-out",
			Message:    "Logged out from WhatsApp, scan a new QR code",
		})
	} else if !shuttingDown {
		m.sendBridgeState(status.BridgeState{
			StateEvent: status.StateTransientDisconnect,
			Error:      status.BridgeStateErrorCode("wa-" + info.Reason.String()),
			Message:    "WhatsApp connection closed, reconnecting",
		})
	}
	m.scheduleReconnect(info.Reason)
}

// scheduleReconnect arms the retry timer after a close, or pauses once the
// attempt limit is reached.
func (m *Manager) scheduleReconnect(reason DisconnectReason) {
	m.mu.Lock()
	if !shouldReconnect(reason, m.shuttingDown, m.pairingMode) {
		m.mu.Unlock()
		m.log.Info().Stringer("reason", reason).Msg("Not reconnecting")
		return
	}
	if m.reconnect.Paused {
		m.mu.Unlock()
		return
	}
	if m.reconnect.Attempts >= m.policy.MaxAttempts {
		m.reconnect.Paused = true
		attempts := m.reconnect.Attempts
		m.mu.Unlock()
		m.metrics.setPaused(true)
		m.log.Error().Int("attempts", attempts).Msg("Reconnect attempts exhausted, waiting for QR regeneration")
		m.sendBridgeState(status.BridgeState{
			StateEvent: status.StateBadCredentials,
			Error:      "wa-reconnect-exhausted",
			Message:    ErrReconnectExhausted.Error(),
		})
		m.listeners.error(ErrReconnectExhausted)
		return
	}
	m.reconnect.Attempts++
	delay := m.policy.Delay(m.reconnect.Attempts, m.pairingMode)
	m.reconnect.Delay = delay
	attempt := m.reconnect.Attempts
	m.cancelRetryLocked()
	gen := m.retryGen
	m.stopRetry = m.after(delay, func() { m.retry(gen) })
	m.mu.Unlock()

	m.metrics.observeReconnect()
	m.log.Info().
		Int("attempt", attempt).
		Int("max_attempts", m.policy.MaxAttempts).
		Dur("delay", delay).
		Msg("Scheduling reconnect")
}

// retry is the timer callback for generation gen. A callback whose timer
// was cancelled after it fired finds a newer generation and does nothing. A
// failed dial counts as a lost connection so backoff continues up to the
// attempt limit.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.retryGen {
		m.mu.Unlock()
		return
	}
	m.stopRetry = nil
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	err := m.connect(ctx, &gen)
	switch {
	case err == nil,
		errors.Is(err, errStaleRetry),
		errors.Is(err, ErrConnectInProgress),
		errors.Is(err, ErrAlreadyConnected),
		errors.Is(err, ErrShuttingDown):
		return
	}
	m.scheduleReconnect(DisconnectConnectionLost)
}

// cancelRetryLocked stops the pending retry timer and invalidates any
// callback that already fired.
func (m *Manager) cancelRetryLocked() {
	m.retryGen++
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
}

// ResetReconnect clears the attempt counter and pause, drops any stale
// socket and connects immediately. It is the only way out of a pause.
func (m *Manager) ResetReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.cancelRetryLocked()
	m.reconnect = PendingReconnect{}
	stale := m.sock
	m.sock = nil
	m.qr = ""
	m.state = StateClose
	m.stopTasksLocked()
	m.mu.Unlock()

	if stale != nil {
		stale.End(errors.New("reconnect reset"))
	}
	m.metrics.setPaused(false)
	m.log.Info().Msg("Reconnect state reset, connecting")
	return m.Connect(ctx)
}

// Logout asks the transport to unlink the device. The resulting logged-out
// close wipes the session and starts pairing.
func (m *Manager) Logout(ctx context.Context) error {
	sock := m.currentSocket()
	if sock == nil {
		return ErrNoSocket
	}
	if err := sock.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Shutdown stops reconnects and background tasks and closes the socket.
func (m *Manager) Shutdown(_ context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.cancelRetryLocked()
	m.stopTasksLocked()
	sock := m.sock
	m.sock = nil
	m.state = StateClose
	m.mu.Unlock()

	if sock != nil {
		sock.End(nil)
	}
	m.sent.Close()
	m.metrics.setState(StateClose)
	m.log.Info().Msg("Connection manager stopped")
	return nil
}

// handleCredsUpdate persists rotated credentials.
func (m *Manager) handleCredsUpdate(evt *CredsUpdate) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(evt.Creds); err != nil {
		err = fmt.Errorf("failed to save credentials: %w", err)
		m.log.Err(err).Msg("Credential update lost")
		m.listeners.error(err)
		return
	}
	m.log.Trace().Msg("Saved rotated credentials")
}

func (m *Manager) startTasksLocked(sock Socket) {
	m.stopTasksLocked()
	m.keepAlive = startPeriodic(m.cfg.KeepAliveInterval, func(ctx context.Context) {
		if err := sock.SendPresence(ctx, "available"); err != nil {
			m.log.Warn().Err(err).Msg("Keep-alive presence failed")
		}
	})
	m.pollCleanup = startPeriodic(m.cleanupInterval, func(ctx context.Context) {
		if _, err := m.polls.Cleanup(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Poll cleanup failed")
		}
	})
}

func (m *Manager) stopTasksLocked() {
	m.keepAlive.Stop()
	m.keepAlive = nil
	m.pollCleanup.Stop()
	m.pollCleanup = nil
}

func (m *Manager) sendBridgeState(state status.BridgeState) {
	state.Timestamp = jsontime.UnixNow()
	m.listeners.bridgeState(state)
}
