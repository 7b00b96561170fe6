// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements the WhatsApp connection core of the hub: the
// connection lifecycle, reconnection backoff, QR and pairing-code linking,
// inbound classification with echo suppression, poll vote decryption and the
// permission-checked outbound path.
//
// The wire protocol is owned by a transport behind the [Dialer] and [Socket]
// interfaces (see the sidecar package). This package only orchestrates it.
//
// # Core Types
//
// [Manager] owns the connection. It is the only writer of the connection
// state, reconnects with exponential backoff up to a fixed number of attempts
// and then pauses until [Manager.ResetReconnect] is called. A remote logout
// writes a pairing marker, wipes the session and starts a fresh pairing.
//
// [Classifier] assigns exactly one outcome to every inbound message.
//
// [PollVoteDecryptor] turns encrypted votes on polls the bot sent into
// option texts.
//
// [Gateway] is the only outbound path. Sends fail closed when no write
// policy is configured.
//
// # Echo Prevention
//
// The bot sees its own messages come back from the network. Every sent id is
// registered for 60 s so the echo is dropped. Own messages in 1:1 chats are
// always dropped. Group sends set a per-chat pending marker before the id is
// known. Own messages in groups that match neither are delivered, because a
// human may type on the linked phone. These layers must not be removed.
//
// # Related Packages
//
//   - pollstore persists sent polls and their secrets.
//   - sessionstore keeps credentials and the pairing marker on disk.
//   - sessionsync backs the session up to a directory or S3.
//   - sidecar implements the transport over a WebSocket.
//   - wafmt converts between Markdown and WhatsApp formatting.
package connector
