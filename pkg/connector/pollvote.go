// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aiku/whatsapp-hub/pkg/pollstore"
)

var (
	ErrPollUnknown      = errors.New("poll is unknown or expired")
	ErrPollNoSecret     = errors.New("poll has no secret")
	ErrVoteDecrypt      = errors.New("failed to decrypt poll vote")
	ErrNoMatchingOption = errors.New("vote matches no poll option")
)

const pollVoteInfo = "Poll Vote"

// pollVoteKey derives the AES key for votes cast by voter on a poll.
func pollVoteKey(secret []byte, pollID, creator, voter string) ([]byte, error) {
	info := make([]byte, 0, len(pollID)+len(creator)+len(voter)+len(pollVoteInfo))
	info = append(info, pollID...)
	info = append(info, creator...)
	info = append(info, voter...)
	info = append(info, pollVoteInfo...)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, make([]byte, 32), info), key); err != nil {
		return nil, err
	}
	return key, nil
}

func pollVoteAAD(pollID, voter string) []byte {
	return []byte(pollID + "\x00" + voter)
}

// DecryptPollVote opens an encrypted vote and returns the selected option
// hashes. creator and voter must already be normalized.
func DecryptPollVote(secret []byte, pollID, creator, voter string, payload, iv []byte) ([][]byte, error) {
	key, err := pollVoteKey(secret, pollID, creator, voter)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vote key: %w", err)
	}
	if len(iv) == 0 {
		return nil, fmt.Errorf("%w: missing iv", ErrVoteDecrypt)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVoteDecrypt, err)
	}
	plaintext, err := gcm.Open(nil, iv, payload, pollVoteAAD(pollID, voter))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVoteDecrypt, err)
	}
	return decodePollVoteMessage(plaintext)
}

// decodePollVoteMessage parses the PollVoteMessage protobuf, which carries
// the selected option hashes as repeated bytes in field 1.
func decodePollVoteMessage(b []byte) ([][]byte, error) {
	var selected [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("failed to parse vote tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("failed to parse vote option: %w", protowire.ParseError(n))
			}
			selected = append(selected, append([]byte(nil), v...))
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("failed to skip vote field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return selected, nil
}

// OptionHash is the SHA-256 of an option's text, as votes reference it.
func OptionHash(option string) []byte {
	sum := sha256.Sum256([]byte(option))
	return sum[:]
}

// matchOptions maps vote hashes back to option texts in poll order.
func matchOptions(options []string, hashes [][]byte) []string {
	var matched []string
	for _, opt := range options {
		h := OptionHash(opt)
		for _, sel := range hashes {
			if bytes.Equal(h, sel) {
				matched = append(matched, opt)
				break
			}
		}
	}
	return matched
}

// pollVoteRequest is a vote in either encrypted or pre-decrypted form.
type pollVoteRequest struct {
	PollID    string
	VoterKey  *MessageKey
	Vote      *PollEncValue
	Hashes    [][]byte
	Timestamp time.Time
}

// PollVoteDecryptor resolves votes against tracked polls.
type PollVoteDecryptor struct {
	polls *PollTracker
	self  func() SelfIdentity
	log   zerolog.Logger
}

func NewPollVoteDecryptor(polls *PollTracker, self func() SelfIdentity, log zerolog.Logger) *PollVoteDecryptor {
	return &PollVoteDecryptor{
		polls: polls,
		self:  self,
		log:   log.With().Str("component", "pollvote").Logger(),
	}
}

// Resolve decrypts (when needed) and matches a vote. Every failure is
// returned as an error the caller logs and drops.
func (d *PollVoteDecryptor) Resolve(ctx context.Context, req *pollVoteRequest) (*PollVote, error) {
	poll, err := d.polls.Lookup(ctx, req.PollID)
	if err != nil {
		return nil, err
	} else if poll == nil {
		return nil, ErrPollUnknown
	}
	self := d.self()
	voter := senderFromKey(req.VoterKey, self)

	hashes := req.Hashes
	if req.Vote != nil {
		hashes, err = d.decrypt(poll, self, voter, req.Vote)
		if err != nil {
			return nil, err
		}
	}
	selected := matchOptions(poll.Options, hashes)
	if len(selected) == 0 && len(hashes) > 0 {
		return nil, ErrNoMatchingOption
	}
	return &PollVote{
		PollID:          poll.ID,
		ChatID:          poll.ChatID,
		VoterID:         voter,
		Question:        poll.Question,
		SelectedOptions: selected,
		Timestamp:       req.Timestamp,
	}, nil
}

func (d *PollVoteDecryptor) decrypt(poll *pollstore.Poll, self SelfIdentity, voter string, vote *PollEncValue) ([][]byte, error) {
	if len(poll.Secret) == 0 {
		return nil, ErrPollNoSecret
	}
	creator := NormalizeJID(self.ID)
	hashes, err := DecryptPollVote(poll.Secret, poll.ID, creator, voter, vote.EncPayload, vote.EncIV)
	if err == nil {
		return hashes, nil
	}
	alt := NormalizeJID(self.LID)
	if !IsLIDJID(voter) || alt == "" || alt == creator {
		return nil, err
	}
	d.log.Debug().
		Str("poll_id", poll.ID).
		Str("voter", voter).
		Msg("Retrying vote decryption with linked-device creator identity")
	return DecryptPollVote(poll.Secret, poll.ID, alt, voter, vote.EncPayload, vote.EncIV)
}
