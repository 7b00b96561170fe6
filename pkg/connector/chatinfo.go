// Copyright 2024-2026 Aiku AI

package connector

// senderFromKey resolves who authored a message. Own messages resolve to the
// linked account, group messages to the participant, and 1:1 messages to the
// chat itself. The result is normalized.
func senderFromKey(key *MessageKey, self SelfIdentity) string {
	if key == nil {
		return ""
	}
	if key.FromMe && !self.IsZero() {
		if self.ID != "" {
			return NormalizeJID(self.ID)
		}
		return NormalizeJID(self.LID)
	}
	if IsGroupJID(key.RemoteJID) {
		return NormalizeJID(key.Participant)
	}
	if key.Participant != "" && !key.FromMe {
		// Some linked-device deliveries in 1:1 chats carry the sender here.
		return NormalizeJID(key.Participant)
	}
	return NormalizeJID(key.RemoteJID)
}

// senderName picks a display name for the sender, falling back to the
// phone-number part of the address.
func senderName(msg *WebMessage, senderID string, self SelfIdentity) string {
	if msg.Key != nil && msg.Key.FromMe && self.Name != "" {
		return self.Name
	}
	if msg.PushName != "" {
		return msg.PushName
	}
	return ParseJID(senderID).User
}
