// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aiku/whatsapp-hub/pkg/sessionsync"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the session directory to the backup target once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			syncer, err := openSyncer(opts)
			if err != nil {
				return err
			}
			manifest, err := syncer.Backup(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "backed up %d files (%s) as snapshot %s\n",
				len(manifest.Files), humanize.Bytes(uint64(manifest.TotalSize())), manifest.SnapshotID)
			return err
		},
	}
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore the session directory from the backup target",
		Long:  "Restore the session directory from the backup target. The restore is refused while a pairing marker exists, since the backup would hold a logged-out session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			syncer, err := openSyncer(opts)
			if err != nil {
				return err
			}
			manifest, err := syncer.Restore(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored %d files from snapshot %s taken %s\n",
				len(manifest.Files), manifest.SnapshotID, humanize.Time(manifest.CreatedAt.Time))
			return err
		},
	}
}

func openSyncer(opts *rootOptions) (*sessionsync.Syncer, error) {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	target, err := newBackupTarget(cfg.Backup)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup target: %w", err)
	}
	return sessionsync.NewSyncer(cfg.WhatsApp.SessionDir, target, cfg.Backup.Debounce, *log), nil
}
