// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/skip2/go-qrcode"
)

// ErrInvalidPhoneNumber is returned for pairing requests whose number does
// not have 10 to 15 digits.
var ErrInvalidPhoneNumber = errors.New("phone number must have 10 to 15 digits")

var nonDigit = regexp.MustCompile(`\D`)

// handleQR stores the latest QR code, optionally renders it to the terminal
// and notifies listeners.
func (m *Manager) handleQR(code string) {
	m.mu.Lock()
	m.qr = code
	m.mu.Unlock()

	m.log.Info().Msg("New QR code received, scan it with WhatsApp > Linked devices")
	if m.qrOut != nil {
		if rendered, err := RenderQRTerminal(code); err != nil {
			m.log.Warn().Err(err).Msg("Failed to render QR code")
		} else {
			_, _ = fmt.Fprintln(m.qrOut, rendered)
		}
	}
	m.listeners.qr(code)
}

// QR returns the latest unscanned QR code, or "" when none is pending.
func (m *Manager) QR() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qr
}

// RenderQRTerminal renders a QR code with half-block characters.
func RenderQRTerminal(code string) (string, error) {
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return qr.ToSmallString(false), nil
}

// RenderQRPNG renders a QR code as a PNG image of the given size in pixels.
func RenderQRPNG(code string, size int) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return png, nil
}

// NormalizePhoneNumber strips everything but digits and checks the length.
func NormalizePhoneNumber(phone string) (string, error) {
	digits := nonDigit.ReplaceAllString(phone, "")
	if len(digits) < 10 || len(digits) > 15 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidPhoneNumber, len(digits))
	}
	return digits, nil
}

// RequestPairingCode asks the transport for a numeric pairing code as an
// alternative to scanning the QR code.
func (m *Manager) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	digits, err := NormalizePhoneNumber(phone)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	state, sock := m.state, m.sock
	m.mu.Unlock()
	if state == StateOpen {
		return "", ErrAlreadyConnected
	}
	if sock == nil {
		return "", ErrNoSocket
	}
	code, err := sock.RequestPairingCode(ctx, digits)
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	m.log.Info().Msg("Pairing code issued")
	return code, nil
}

// enterPairingMode handles a remote logout. The marker is written before
// the credentials are wiped so an external sync never restores the dead
// session in between.
func (m *Manager) enterPairingMode(reason string) {
	m.mu.Lock()
	m.pairingMode = true
	m.self = SelfIdentity{}
	m.qr = ""
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.CreatePairingMarker(reason); err != nil {
		err = fmt.Errorf("failed to create pairing marker, keeping credentials: %w", err)
		m.log.Err(err).Msg("Session wipe skipped")
		m.listeners.error(err)
		return
	}
	if err := m.store.WipeAndRecreate(); err != nil {
		err = fmt.Errorf("failed to wipe session: %w", err)
		m.log.Err(err).Msg("Session wipe failed")
		m.listeners.error(err)
		return
	}
	m.log.Info().Str("reason", reason).Msg("Session wiped, entering pairing mode")
}
