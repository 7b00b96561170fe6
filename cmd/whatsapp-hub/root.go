// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/whatsapp-hub/pkg/connector"
	"github.com/aiku/whatsapp-hub/pkg/sessionsync"
)

type rootOptions struct {
	configPath string
	noUpdate   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "whatsapp-hub",
		Short:         "WhatsApp connection hub for an AI backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&opts.noUpdate, "no-update", false, "do not write upgraded keys back to the config file")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newBackupCmd(opts),
		newRestoreCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "whatsapp-hub %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
			return err
		},
	}
}

// loadConfig reads the config file and builds the logger it describes.
func loadConfig(opts *rootOptions) (*connector.Config, *zerolog.Logger, error) {
	cfg, err := connector.LoadConfig(opts.configPath, !opts.noUpdate)
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// newBackupTarget builds the configured backup destination.
func newBackupTarget(cfg connector.BackupConfig) (sessionsync.Target, error) {
	switch cfg.Type {
	case "s3":
		return sessionsync.NewS3Target(sessionsync.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Insecure:  cfg.S3.Insecure,
		})
	default:
		return sessionsync.NewDirTarget(cfg.Dir)
	}
}
