// Copyright 2024-2026 Aiku AI

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aiku/whatsapp-hub/pkg/connector"
	"github.com/aiku/whatsapp-hub/pkg/sessionsync"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "whatsapp-hub ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestNewBackupTarget(t *testing.T) {
	t.Parallel()
	target, err := newBackupTarget(connector.BackupConfig{Type: "dir", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("dir target: %v", err)
	}
	if _, ok := target.(*sessionsync.DirTarget); !ok {
		t.Errorf("target = %T", target)
	}
	if _, err = newBackupTarget(connector.BackupConfig{Type: "s3"}); err == nil {
		t.Error("s3 target without bucket should fail")
	}
}

func TestBackupAndRestoreCommands(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	session := filepath.Join(dir, "session")
	backup := filepath.Join(dir, "backup")
	config := filepath.Join(dir, "config.yaml")
	cfg := "whatsapp:\n    session_dir: " + session + "\n" +
		"polls:\n    database: \"\"\n" +
		"backup:\n    enabled: true\n    type: dir\n    dir: " + backup + "\n" +
		"logging:\n    min_level: error\n    writers:\n        - type: stdout\n          format: json\n"
	if err := os.WriteFile(config, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(session, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(session, "creds.json"), []byte(`{"me":"x"}`), 0600); err != nil {
		t.Fatal(err)
	}

	exec := func(args ...string) string {
		t.Helper()
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append(args, "--config", config, "--no-update"))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}
	if out := exec("backup"); !strings.Contains(out, "backed up 1 files") {
		t.Errorf("backup output = %q", out)
	}
	if err := os.Remove(filepath.Join(session, "creds.json")); err != nil {
		t.Fatal(err)
	}
	if out := exec("restore"); !strings.Contains(out, "restored 1 files") {
		t.Errorf("restore output = %q", out)
	}
	data, err := os.ReadFile(filepath.Join(session, "creds.json"))
	if err != nil || string(data) != `{"me":"x"}` {
		t.Errorf("restored creds = %q, %v", data, err)
	}
}
