// Copyright 2024-2026 Aiku AI

// Package sessionsync backs the session directory up to an external target
// and restores it. It never touches a directory that holds a pairing marker.
package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aiku/whatsapp-hub/pkg/sessionstore"
)

// ErrNotFound is returned by Target.Get for missing objects.
var ErrNotFound = errors.New("object not found")

// Target stores backup objects under slash-separated names.
type Target interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
}

// DirTarget stores backups in a local directory, e.g. a mounted volume.
type DirTarget struct {
	root string
}

var _ Target = (*DirTarget)(nil)

func NewDirTarget(root string) (*DirTarget, error) {
	if root == "" {
		return nil, errors.New("backup directory is empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &DirTarget{root: root}, nil
}

func (d *DirTarget) Put(_ context.Context, name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	full := filepath.Join(d.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("failed to create backup subdirectory: %w", err)
	}
	return sessionstore.WriteFileAtomic(full, data)
}

func (d *DirTarget) Get(_ context.Context, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

func (d *DirTarget) List(_ context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || isTempFile(entry.Name()) {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backup directory: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// validateName rejects names that would escape the target root.
func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("invalid object name %q", name)
	}
	clean := path.Clean(name)
	if clean != name || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid object name %q", name)
	}
	return nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}
