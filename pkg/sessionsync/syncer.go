// Copyright 2024-2026 Aiku AI

package sessionsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/whatsapp-hub/pkg/sessionstore"
)

var (
	// ErrPairingInProgress is returned while the session directory holds a
	// pairing marker. Restoring then would bring back a logged-out session.
	ErrPairingInProgress = errors.New("pairing in progress, session sync is disabled")
	// ErrNoBackup is returned by Restore when the target has no manifest.
	ErrNoBackup = errors.New("no backup found")
)

const (
	manifestName  = "manifest.json"
	sessionPrefix = "session/"

	DefaultDebounce = 5 * time.Second
)

// Manifest describes one backup snapshot.
type Manifest struct {
	SnapshotID string             `json:"snapshot_id"`
	CreatedAt  jsontime.UnixMilli `json:"created_at"`
	Files      []ManifestFile     `json:"files"`
}

type ManifestFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// TotalSize sums the size of all files in the snapshot.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Syncer copies a session directory to and from a Target.
type Syncer struct {
	dir      string
	target   Target
	debounce time.Duration
	log      zerolog.Logger
}

func NewSyncer(dir string, target Target, debounce time.Duration, log zerolog.Logger) *Syncer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Syncer{
		dir:      dir,
		target:   target,
		debounce: debounce,
		log:      log.With().Str("component", "session_sync").Logger(),
	}
}

// Backup uploads every session file and then the manifest.
func (s *Syncer) Backup(ctx context.Context) (*Manifest, error) {
	if sessionstore.MarkerExists(s.dir) {
		return nil, ErrPairingInProgress
	}
	manifest := &Manifest{
		SnapshotID: uuid.NewString(),
		CreatedAt:  jsontime.UnixMilli{Time: time.Now()},
	}
	err := filepath.WalkDir(s.dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || entry.Name() == sessionstore.MarkerFile || isTempFile(entry.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			// Rotated away between listing and reading.
			return nil
		} else if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if err = s.target.Put(ctx, sessionPrefix+name, data); err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, ManifestFile{Name: name, Size: int64(len(data))})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to back up session: %w", err)
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err = s.target.Put(ctx, manifestName, data); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}
	s.log.Info().
		Str("snapshot_id", manifest.SnapshotID).
		Int("files", len(manifest.Files)).
		Str("size", humanize.Bytes(uint64(manifest.TotalSize()))).
		Msg("Session backed up")
	return manifest, nil
}

// Restore downloads the latest snapshot into the session directory.
func (s *Syncer) Restore(ctx context.Context) (*Manifest, error) {
	if sessionstore.MarkerExists(s.dir) {
		return nil, ErrPairingInProgress
	}
	data, err := s.target.Get(ctx, manifestName)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoBackup
	} else if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	var manifest Manifest
	if err = json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err = os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	for _, file := range manifest.Files {
		if err = validateName(file.Name); err != nil {
			return nil, err
		}
		body, err := s.target.Get(ctx, sessionPrefix+file.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", file.Name, err)
		}
		// The bot may have been logged out while downloading.
		if sessionstore.MarkerExists(s.dir) {
			return nil, ErrPairingInProgress
		}
		full := filepath.Join(s.dir, filepath.FromSlash(file.Name))
		if err = os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", file.Name, err)
		}
		if err = sessionstore.WriteFileAtomic(full, body); err != nil {
			return nil, err
		}
	}
	s.log.Info().
		Str("snapshot_id", manifest.SnapshotID).
		Time("created_at", manifest.CreatedAt.Time).
		Int("files", len(manifest.Files)).
		Msg("Session restored")
	return &manifest, nil
}

// Watch backs the session up after changes settle, until ctx is done.
func (s *Syncer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	timer := time.NewTimer(s.debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(evt.Name)
			if isTempFile(name) || evt.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(s.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("Session watcher error")
		case <-timer.C:
			_, err = s.Backup(ctx)
			if errors.Is(err, ErrPairingInProgress) {
				s.log.Debug().Msg("Skipping backup while pairing")
			} else if err != nil {
				s.log.Err(err).Msg("Session backup failed")
			}
		}
	}
}
