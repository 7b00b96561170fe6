// Copyright 2024-2026 Aiku AI

// Package sidecar implements the connector transport over a WebSocket to a
// process that runs the WhatsApp web protocol.
//
// Every frame is a JSON object. Requests carry an id that the sidecar echoes
// in its response. Events are pushed without an id.
//
//	{"type":"request","id":"cs1...","name":"send_message","data":{...}}
//	{"type":"response","id":"cs1...","data":{...}}
//	{"type":"response","id":"cs1...","error":"not connected"}
//	{"type":"event","name":"connection.update","data":{...}}
package sidecar

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aiku/whatsapp-hub/pkg/connector"
)

type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// Frame is one message on the wire.
type Frame struct {
	Type  FrameType       `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Request names.
const (
	MethodConnect            = "connect"
	MethodEnd                = "end"
	MethodSendMessage        = "send_message"
	MethodRequestPairingCode = "request_pairing_code"
	MethodSendPresence       = "send_presence"
	MethodLogout             = "logout"
)

// Event names.
const (
	EventConnectionUpdate = "connection.update"
	EventCredsUpdate      = "creds.update"
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventHistorySet       = "messaging-history.set"
)

type connectRequest struct {
	Creds json.RawMessage `json:"creds,omitempty"`
}

type sendMessageRequest struct {
	ChatID  string                     `json:"jid"`
	Message *connector.OutgoingMessage `json:"message"`
}

type pairingCodeRequest struct {
	Phone string `json:"phone"`
}

type pairingCodeResponse struct {
	Code string `json:"code"`
}

type presenceRequest struct {
	Presence string `json:"presence"`
}

type endRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecodeEvent converts an event frame to a connector event. Unknown event
// names return (nil, nil) and are skipped.
func DecodeEvent(name string, data json.RawMessage) (connector.Event, error) {
	var evt connector.Event
	switch name {
	case EventConnectionUpdate:
		evt = &connector.ConnectionUpdate{}
	case EventCredsUpdate:
		// The sidecar sends the full credential blob as the payload.
		if len(data) == 0 || !json.Valid(data) {
			return nil, fmt.Errorf("invalid %s payload", name)
		}
		return &connector.CredsUpdate{Creds: append(json.RawMessage(nil), data...)}, nil
	case EventMessagesUpsert:
		evt = &connector.MessagesUpsert{}
	case EventMessagesUpdate:
		upd := &connector.MessagesUpdate{}
		// Accept both a bare array and {"updates": [...]}.
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &upd.Updates); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", name, err)
			}
			return upd, nil
		}
		evt = upd
	case EventHistorySet:
		evt = &connector.HistorySync{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return evt, nil
}
