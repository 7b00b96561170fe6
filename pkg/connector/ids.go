// Copyright 2024-2026 Aiku AI

package connector

import (
	"slices"
	"strings"
)

// WhatsApp address servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	LegacyUserServer  = "c.us"
	GroupServer       = "g.us"
	LIDServer         = "lid"
	BroadcastServer   = "broadcast"
	NewsletterServer  = "newsletter"

	StatusBroadcastJID = "status@broadcast"
)

// JID is a parsed WhatsApp address of the form user[:device]@server.
type JID struct {
	User   string
	Device string
	Server string
}

// ParseJID splits a raw address into its parts. Addresses without a server
// part are treated as bare phone numbers on the default user server.
func ParseJID(raw string) JID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return JID{}
	}
	user, server, found := strings.Cut(raw, "@")
	if !found {
		server = DefaultUserServer
	}
	server = strings.ToLower(server)
	if server == LegacyUserServer {
		server = DefaultUserServer
	}
	var device string
	if idx := strings.IndexByte(user, ':'); idx >= 0 {
		user, device = user[:idx], user[idx+1:]
	}
	return JID{User: user, Device: device, Server: server}
}

func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

// String renders the address including the device part, if any.
func (j JID) String() string {
	if j.IsEmpty() {
		return ""
	}
	if j.Device != "" {
		return j.User + ":" + j.Device + "@" + j.Server
	}
	return j.User + "@" + j.Server
}

// ToNonAD drops the device part of the address.
func (j JID) ToNonAD() JID {
	j.Device = ""
	return j
}

// NormalizeJID returns the device-less canonical form of a raw address.
// Empty input yields an empty string.
func NormalizeJID(raw string) string {
	return ParseJID(raw).ToNonAD().String()
}

// IsGroupJID reports whether the address belongs to a group chat.
func IsGroupJID(raw string) bool {
	return ParseJID(raw).Server == GroupServer
}

// IsLIDJID reports whether the address is a linked-device (privacy) address.
func IsLIDJID(raw string) bool {
	return ParseJID(raw).Server == LIDServer
}

// IsStatusBroadcast reports whether the address is the status broadcast pseudo-chat.
func IsStatusBroadcast(raw string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), StatusBroadcastJID)
}

// Identity is the canonical form of an account address plus the other raw
// forms that refer to the same account.
type Identity struct {
	Canonical   string
	Equivalents []string
}

// Matches reports whether raw refers to this identity.
func (id Identity) Matches(raw string) bool {
	norm := NormalizeJID(raw)
	if norm == "" {
		return false
	}
	return norm == id.Canonical || slices.Contains(id.Equivalents, norm)
}

// SelfIdentity is the linked account as reported by the transport when a
// connection opens.
type SelfIdentity struct {
	ID   string `json:"id"`
	LID  string `json:"lid,omitempty"`
	Name string `json:"name,omitempty"`
}

// Identity returns the phone-number address as the canonical identity and the
// linked-device address as its equivalent.
func (s SelfIdentity) Identity() Identity {
	id := Identity{Canonical: NormalizeJID(s.ID)}
	if lid := NormalizeJID(s.LID); lid != "" && lid != id.Canonical {
		id.Equivalents = append(id.Equivalents, lid)
	}
	return id
}

// IsZero reports whether no account is linked.
func (s SelfIdentity) IsZero() bool {
	return s.ID == "" && s.LID == ""
}
