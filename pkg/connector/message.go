// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// MessageKey identifies a message within a chat.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// WebMessage is a raw message as delivered by the transport.
type WebMessage struct {
	Key              *MessageKey     `json:"key"`
	Message          *MessageContent `json:"message"`
	PushName         string          `json:"pushName,omitempty"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp,omitempty"`
}

// MessageContent is the payload of a message. At most one content field is
// normally set; wrapper fields hold another MessageContent.
type MessageContent struct {
	Conversation        string               `json:"conversation,omitempty"`
	ExtendedText        *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
	Image               *MediaMessage        `json:"imageMessage,omitempty"`
	Video               *MediaMessage        `json:"videoMessage,omitempty"`
	Document            *MediaMessage        `json:"documentMessage,omitempty"`
	DocumentWithCaption *FutureProofMessage  `json:"documentWithCaptionMessage,omitempty"`
	Audio               *AudioMessage        `json:"audioMessage,omitempty"`
	Sticker             *MediaMessage        `json:"stickerMessage,omitempty"`
	Ephemeral           *FutureProofMessage  `json:"ephemeralMessage,omitempty"`
	ViewOnce            *FutureProofMessage  `json:"viewOnceMessage,omitempty"`
	ViewOnceV2          *FutureProofMessage  `json:"viewOnceMessageV2,omitempty"`
	PollCreation        *PollCreationMessage `json:"pollCreationMessage,omitempty"`
	PollCreationV3      *PollCreationMessage `json:"pollCreationMessageV3,omitempty"`
	PollUpdate          *PollUpdateMessage   `json:"pollUpdateMessage,omitempty"`
}

type ExtendedTextMessage struct {
	Text string `json:"text"`
}

type MediaMessage struct {
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type AudioMessage struct {
	Mimetype string `json:"mimetype,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
}

// FutureProofMessage wraps another message (ephemeral, view-once, ...).
type FutureProofMessage struct {
	Message *MessageContent `json:"message"`
}

type PollCreationMessage struct {
	Name                   string       `json:"name"`
	Options                []PollOption `json:"options"`
	SelectableOptionsCount int          `json:"selectableOptionsCount,omitempty"`
}

type PollOption struct {
	OptionName string `json:"optionName"`
}

// PollUpdateMessage is an encrypted vote on a poll.
type PollUpdateMessage struct {
	PollCreationMessageKey *MessageKey     `json:"pollCreationMessageKey"`
	Vote                   *PollEncValue   `json:"vote,omitempty"`
	SenderTimestampMs      json.RawMessage `json:"senderTimestampMs,omitempty"`
}

// PollEncValue is an AES-GCM ciphertext (tag included) and its IV.
type PollEncValue struct {
	EncPayload []byte `json:"encPayload"`
	EncIV      []byte `json:"encIv"`
}

// MessageUpdate is one entry of a messages.update event.
type MessageUpdate struct {
	Key    *MessageKey         `json:"key"`
	Update MessageUpdateFields `json:"update"`
}

type MessageUpdateFields struct {
	Message     *MessageContent    `json:"message,omitempty"`
	PollUpdates []*PollUpdateEntry `json:"pollUpdates,omitempty"`
}

// PollUpdateEntry is a vote the transport already decrypted. The update's
// key identifies the poll; PollUpdateMessageKey identifies the voter's message.
type PollUpdateEntry struct {
	PollUpdateMessageKey *MessageKey        `json:"pollUpdateMessageKey"`
	Vote                 *PollVoteSelection `json:"vote,omitempty"`
	SenderTimestampMs    json.RawMessage    `json:"senderTimestampMs,omitempty"`
}

type PollVoteSelection struct {
	SelectedOptions [][]byte `json:"selectedOptions"`
}

// unwrapContent strips ephemeral, view-once and document-with-caption wrappers.
func unwrapContent(c *MessageContent) *MessageContent {
	for i := 0; c != nil && i < 4; i++ {
		var inner *FutureProofMessage
		switch {
		case c.Ephemeral != nil:
			inner = c.Ephemeral
		case c.ViewOnce != nil:
			inner = c.ViewOnce
		case c.ViewOnceV2 != nil:
			inner = c.ViewOnceV2
		case c.DocumentWithCaption != nil:
			inner = c.DocumentWithCaption
		default:
			return c
		}
		c = inner.Message
	}
	return c
}

// Media types reported on ChatMessage.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaDocument = "document"
	MediaAudio    = "audio"
	MediaVoice    = "voice"
	MediaSticker  = "sticker"
	MediaPoll     = "poll"
)

// extractContent returns the text and media type of a message. ok is false
// when the payload carries nothing the bot understands.
func extractContent(c *MessageContent) (text, mediaType string, ok bool) {
	c = unwrapContent(c)
	if c == nil {
		return "", "", false
	}
	switch {
	case c.Conversation != "":
		return c.Conversation, "", true
	case c.ExtendedText != nil:
		return c.ExtendedText.Text, "", true
	case c.Image != nil:
		return c.Image.Caption, MediaImage, true
	case c.Video != nil:
		return c.Video.Caption, MediaVideo, true
	case c.Document != nil:
		text = c.Document.Caption
		if text == "" {
			text = c.Document.FileName
		}
		return text, MediaDocument, true
	case c.Audio != nil:
		if c.Audio.PTT {
			return "", MediaVoice, true
		}
		return "", MediaAudio, true
	case c.Sticker != nil:
		return "", MediaSticker, true
	case c.PollCreation != nil:
		return c.PollCreation.Name, MediaPoll, true
	case c.PollCreationV3 != nil:
		return c.PollCreationV3.Name, MediaPoll, true
	}
	return "", "", false
}

// parseTimestamp decodes a transport timestamp in seconds. It accepts a JSON
// number, a numeric string, or a protobuf long object {low, high}. Anything
// else falls back to now.
func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	secs, ok := parseLong(raw)
	if !ok || secs <= 0 {
		return now
	}
	return time.Unix(secs, 0)
}

func parseLong(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return n, err == nil
	case '{':
		var long struct {
			Low  *int64 `json:"low"`
			High int64  `json:"high"`
		}
		if err := json.Unmarshal(raw, &long); err != nil || long.Low == nil {
			return 0, false
		}
		return long.High<<32 | int64(uint32(*long.Low)), true
	default:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return 0, false
		}
		if f > 1<<62 || f < -(1<<62) {
			return 0, false
		}
		return int64(f), true
	}
}
