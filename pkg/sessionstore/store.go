// Copyright 2024-2026 Aiku AI

// Package sessionstore keeps the WhatsApp credentials and the pairing marker
// in a session directory.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.mau.fi/util/jsontime"
)

const (
	// CredsFile holds the serialized credentials.
	CredsFile = "creds.json"
	// MarkerFile exists while the device is being re-linked. Session sync
	// must not touch the directory while it is present.
	MarkerFile = ".pairing-mode"
)

// Marker is the body of the pairing marker file.
type Marker struct {
	Reason    string             `json:"reason"`
	CreatedAt jsontime.UnixMilli `json:"created_at"`
}

// Store is a directory-backed session store.
type Store struct {
	dir string
}

// Open creates the session directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("session directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load returns the stored credentials, or nil when none exist yet.
func (s *Store) Load() (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, CredsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("credentials file %s is not valid JSON", CredsFile)
	}
	return data, nil
}

// Save atomically replaces the stored credentials.
func (s *Store) Save(creds json.RawMessage) error {
	if !json.Valid(creds) {
		return errors.New("refusing to save invalid credentials JSON")
	}
	return WriteFileAtomic(filepath.Join(s.dir, CredsFile), creds)
}

// WipeAndRecreate deletes everything in the session directory except the
// pairing marker.
func (s *Store) WipeAndRecreate() error {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(s.dir, 0o700)
	} else if err != nil {
		return fmt.Errorf("failed to list session directory: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == MarkerFile {
			continue
		}
		if err = os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return os.MkdirAll(s.dir, 0o700)
}

// CreatePairingMarker writes the marker file.
func (s *Store) CreatePairingMarker(reason string) error {
	data, err := json.Marshal(&Marker{
		Reason:    reason,
		CreatedAt: jsontime.UnixMilli{Time: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pairing marker: %w", err)
	}
	return WriteFileAtomic(filepath.Join(s.dir, MarkerFile), data)
}

// RemovePairingMarker deletes the marker file. A missing marker is not an error.
func (s *Store) RemovePairingMarker() error {
	err := os.Remove(filepath.Join(s.dir, MarkerFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove pairing marker: %w", err)
	}
	return nil
}

// PairingMarkerExists reports whether the marker file is present.
func (s *Store) PairingMarkerExists() bool {
	return MarkerExists(s.dir)
}

// ReadPairingMarker returns the marker body, or nil when there is no marker.
func (s *Store) ReadPairingMarker() (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, MarkerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read pairing marker: %w", err)
	}
	var marker Marker
	if err = json.Unmarshal(data, &marker); err != nil {
		// Older markers were empty files.
		return &Marker{}, nil
	}
	return &marker, nil
}

// MarkerExists reports whether dir contains a pairing marker. It is shared
// with tools that only know the directory path.
func MarkerExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, MarkerFile))
	return err == nil
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
