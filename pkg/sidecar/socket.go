// Copyright 2024-2026 Aiku AI

package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-hub/pkg/connector"
)

var ErrSocketClosed = errors.New("sidecar socket closed")

const (
	DefaultRequestTimeout = 30 * time.Second
	eventBufferSize       = 256
	writeTimeout          = 10 * time.Second
)

// Dialer connects to the sidecar WebSocket endpoint.
type Dialer struct {
	URL            string
	Header         http.Header
	RequestTimeout time.Duration
	Log            zerolog.Logger
}

var _ connector.Dialer = (*Dialer)(nil)

// Dial opens the WebSocket and asks the sidecar to start a session with creds.
func (d *Dialer) Dial(ctx context.Context, creds json.RawMessage) (connector.Socket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial sidecar: %w", err)
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	sock := &Socket{
		conn:    conn,
		timeout: timeout,
		events:  make(chan connector.Event, eventBufferSize),
		pending: make(map[string]chan *Frame),
		closed:  make(chan struct{}),
		log:     d.Log.With().Str("component", "sidecar").Logger(),
	}
	go sock.readLoop()
	if err = sock.call(ctx, MethodConnect, &connectRequest{Creds: creds}, nil); err != nil {
		sock.close()
		return nil, err
	}
	return sock, nil
}

// Socket is one sidecar session.
type Socket struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     zerolog.Logger

	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[string]chan *Frame

	events    chan connector.Event
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

var _ connector.Socket = (*Socket)(nil)

func (s *Socket) Events() <-chan connector.Event {
	return s.events
}

func (s *Socket) SendMessage(ctx context.Context, chatID string, msg *connector.OutgoingMessage) (*connector.SendResult, error) {
	var res connector.SendResult
	if err := s.call(ctx, MethodSendMessage, &sendMessageRequest{ChatID: chatID, Message: msg}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Socket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	var res pairingCodeResponse
	if err := s.call(ctx, MethodRequestPairingCode, &pairingCodeRequest{Phone: phone}, &res); err != nil {
		return "", err
	}
	if res.Code == "" {
		return "", errors.New("sidecar returned an empty pairing code")
	}
	return res.Code, nil
}

func (s *Socket) SendPresence(ctx context.Context, presence string) error {
	return s.call(ctx, MethodSendPresence, &presenceRequest{Presence: presence}, nil)
}

func (s *Socket) Logout(ctx context.Context) error {
	return s.call(ctx, MethodLogout, nil, nil)
}

// End asks the sidecar to close the session and closes the WebSocket. It is
// safe to call more than once.
func (s *Socket) End(err error) {
	s.endOnce.Do(func() {
		req := &endRequest{}
		if err != nil {
			req.Reason = err.Error()
		}
		if frame, ferr := newRequest(MethodEnd, req); ferr == nil {
			_ = s.write(frame)
		}
		s.close()
	})
}

func newRequest(name string, payload any) (*Frame, error) {
	frame := &Frame{Type: FrameRequest, ID: xid.New().String(), Name: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", name, err)
		}
		frame.Data = data
	}
	return frame, nil
}

// call sends a request and waits for the matching response.
func (s *Socket) call(ctx context.Context, name string, payload, result any) error {
	frame, err := newRequest(name, payload)
	if err != nil {
		return err
	}
	ch := make(chan *Frame, 1)
	s.pendingLock.Lock()
	s.pending[frame.ID] = ch
	s.pendingLock.Unlock()
	defer func() {
		s.pendingLock.Lock()
		delete(s.pending, frame.ID)
		s.pendingLock.Unlock()
	}()

	if err = s.write(frame); err != nil {
		return err
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("sidecar %s failed: %s", name, resp.Error)
		}
		if result != nil && len(resp.Data) > 0 {
			if err = json.Unmarshal(resp.Data, result); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", name, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("sidecar %s timed out after %s", name, s.timeout)
	case <-s.closed:
		return ErrSocketClosed
	}
}

func (s *Socket) write(frame *Frame) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Name, err)
	}
	return nil
}

func (s *Socket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// readLoop owns the events channel and closes it when the connection ends.
func (s *Socket) readLoop() {
	defer close(s.events)
	defer s.close()
	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Debug().Err(err).Msg("Sidecar connection ended")
			}
			return
		}
		switch frame.Type {
		case FrameResponse:
			s.pendingLock.Lock()
			ch, ok := s.pending[frame.ID]
			s.pendingLock.Unlock()
			if ok {
				select {
				case ch <- &frame:
				default:
				}
			} else {
				s.log.Debug().Str("request_id", frame.ID).Msg("Dropping response for unknown request")
			}
		case FrameEvent:
			evt, err := DecodeEvent(frame.Name, frame.Data)
			if err != nil {
				s.log.Warn().Err(err).Str("event", frame.Name).Msg("Failed to decode sidecar event")
				continue
			} else if evt == nil {
				s.log.Trace().Str("event", frame.Name).Msg("Ignoring unhandled sidecar event")
				continue
			}
			select {
			case s.events <- evt:
			case <-s.closed:
				return
			}
		default:
			s.log.Debug().Str("type", string(frame.Type)).Msg("Ignoring unknown frame type")
		}
	}
}
