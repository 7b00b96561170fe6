// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"strconv"
)

// ConnectionState is the lifecycle state of the WhatsApp connection.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// DisconnectReason is the status code the transport attaches to a close.
type DisconnectReason int

const (
	DisconnectConnectionClosed    DisconnectReason = 428
	DisconnectConnectionLost      DisconnectReason = 408
	DisconnectConnectionReplaced  DisconnectReason = 440
	DisconnectLoggedOut           DisconnectReason = 401
	DisconnectBadSession          DisconnectReason = 500
	DisconnectRestartRequired     DisconnectReason = 515
	DisconnectMultideviceMismatch DisconnectReason = 411
	DisconnectForbidden           DisconnectReason = 403
	DisconnectUnavailableService  DisconnectReason = 503
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectConnectionClosed:
		return "connection_closed"
	case DisconnectConnectionLost:
		return "connection_lost"
	case DisconnectConnectionReplaced:
		return "connection_replaced"
	case DisconnectLoggedOut:
		return "logged_out"
	case DisconnectBadSession:
		return "bad_session"
	case DisconnectRestartRequired:
		return "restart_required"
	case DisconnectMultideviceMismatch:
		return "multidevice_mismatch"
	case DisconnectForbidden:
		return "forbidden"
	case DisconnectUnavailableService:
		return "unavailable_service"
	default:
		return "unknown_" + strconv.Itoa(int(r))
	}
}

// Dialer opens a transport session using the stored credentials. A nil or
// empty credential blob starts a fresh pairing.
type Dialer interface {
	Dial(ctx context.Context, creds json.RawMessage) (Socket, error)
}

// Socket is one live transport session. Events is closed once the session
// ends, whether by End or by the remote side.
type Socket interface {
	Events() <-chan Event
	SendMessage(ctx context.Context, chatID string, msg *OutgoingMessage) (*SendResult, error)
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	SendPresence(ctx context.Context, presence string) error
	Logout(ctx context.Context) error
	End(err error)
}

// Event is a transport event delivered on Socket.Events.
type Event interface {
	isEvent()
}

// ConnectionUpdate reports a lifecycle change, a new QR code, or both.
type ConnectionUpdate struct {
	Connection     ConnectionState `json:"connection,omitempty"`
	QR             string          `json:"qr,omitempty"`
	IsNewLogin     bool            `json:"isNewLogin,omitempty"`
	LastDisconnect *DisconnectInfo `json:"lastDisconnect,omitempty"`
	Me             *SelfIdentity   `json:"me,omitempty"`
}

type DisconnectInfo struct {
	Reason  DisconnectReason `json:"statusCode"`
	Message string           `json:"message,omitempty"`
}

// CredsUpdate carries rotated session credentials that must be persisted.
type CredsUpdate struct {
	Creds json.RawMessage `json:"creds"`
}

// MessagesUpsert carries new messages. Type is "notify" for live traffic and
// "append" for messages the transport replays.
type MessagesUpsert struct {
	Type     string        `json:"type"`
	Messages []*WebMessage `json:"messages"`
}

// MessagesUpdate carries changes to existing messages, including aggregated
// poll votes.
type MessagesUpdate struct {
	Updates []*MessageUpdate `json:"updates"`
}

// HistorySync carries a history-replay batch sent after pairing.
type HistorySync struct {
	Messages []*WebMessage `json:"messages"`
	IsLatest bool          `json:"isLatest,omitempty"`
}

func (*ConnectionUpdate) isEvent() {}
func (*CredsUpdate) isEvent()      {}
func (*MessagesUpsert) isEvent()   {}
func (*MessagesUpdate) isEvent()   {}
func (*HistorySync) isEvent()      {}

// OutgoingMessage is the content of a send. Exactly one field is set.
type OutgoingMessage struct {
	Text  string            `json:"text,omitempty"`
	Poll  *OutgoingPoll     `json:"poll,omitempty"`
	React *OutgoingReaction `json:"react,omitempty"`
}

type OutgoingPoll struct {
	Name            string   `json:"name"`
	Values          []string `json:"values"`
	SelectableCount int      `json:"selectableCount"`
	MessageSecret   []byte   `json:"messageSecret"`
}

type OutgoingReaction struct {
	Text string      `json:"text"`
	Key  *MessageKey `json:"key"`
}

// SendResult is the transport's acknowledgement of a send.
type SendResult struct {
	Key *MessageKey `json:"key"`
}
