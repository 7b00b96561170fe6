// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/whatsapp-hub/pkg/connector"
	"github.com/aiku/whatsapp-hub/pkg/pollstore"
	"github.com/aiku/whatsapp-hub/pkg/relay"
	"github.com/aiku/whatsapp-hub/pkg/sessionstore"
	"github.com/aiku/whatsapp-hub/pkg/sessionsync"
	"github.com/aiku/whatsapp-hub/pkg/sidecar"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to WhatsApp and serve until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, *log)
		},
	}
}

func openPollStore(cfg connector.PollsConfig) (pollstore.Store, error) {
	if cfg.Database == "" {
		return pollstore.NewMemoryStore(), nil
	}
	return pollstore.OpenSQLite(cfg.Database)
}

func run(ctx context.Context, cfg *connector.Config, log zerolog.Logger) error {
	store, err := sessionstore.Open(cfg.WhatsApp.SessionDir)
	if err != nil {
		return err
	}
	polls, err := openPollStore(cfg.Polls)
	if err != nil {
		return err
	}
	defer func() {
		if err := polls.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close poll store")
		}
	}()
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var qrOut io.Writer
	if cfg.WhatsApp.PrintQR {
		qrOut = os.Stdout
	}
	mgrOpts := connector.Options{
		Config: cfg.WhatsApp,
		Polls:  cfg.Polls,
		Dialer: &sidecar.Dialer{
			URL:            cfg.WhatsApp.SidecarURL,
			RequestTimeout: cfg.WhatsApp.ConnectTimeout,
			Log:            log,
		},
		Store:     store,
		PollStore: polls,
		Metrics:   connector.NewMetrics(reg),
		QROutput:  qrOut,
		Log:       log,
	}
	if policy != nil {
		mgrOpts.Inbound = policy
		mgrOpts.Write = policy
	} else {
		log.Warn().Msg("Permissions are disabled, every outbound message will be refused")
	}
	mgr := connector.NewManager(mgrOpts)

	var wg sync.WaitGroup
	defer wg.Wait()

	if cfg.Relay.WebhookURL != "" {
		r, err := relay.New(relay.Options{
			WebhookURL: cfg.Relay.WebhookURL,
			Token:      cfg.Relay.Token,
			Timeout:    cfg.Relay.Timeout,
			QueueSize:  cfg.Relay.QueueSize,
			Sender:     mgr.Gateway(),
			Log:        log,
		})
		if err != nil {
			return err
		}
		mgr.AddListener(r)
		r.Start(ctx)
		defer r.Stop()
	}
	if cfg.Alerts.MattermostURL != "" {
		alerter, err := connector.NewMattermostAlerter(cfg.Alerts, log)
		if err != nil {
			return err
		}
		mgr.AddListener(alerter)
		// Queued alerts are flushed by Stop after shutdown.
		alerter.Start(context.WithoutCancel(ctx))
		defer alerter.Stop()
	}
	if cfg.Backup.Enabled {
		target, err := newBackupTarget(cfg.Backup)
		if err != nil {
			return fmt.Errorf("failed to open backup target: %w", err)
		}
		syncer := sessionsync.NewSyncer(store.Dir(), target, cfg.Backup.Debounce, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := syncer.Watch(ctx); err != nil {
				log.Err(err).Msg("Session backup watcher stopped")
			}
		}()
	}
	if cfg.Admin.Addr != "" {
		api := connector.NewAdminAPI(mgr, reg, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.ListenAndServe(ctx, cfg.Admin.Addr); err != nil {
				log.Err(err).Msg("Admin API stopped")
			}
		}()
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.WhatsApp.ConnectTimeout)
	err = mgr.Connect(connectCtx)
	cancel()
	if err != nil {
		// The admin API can retry with a regenerate request.
		log.Err(err).Msg("Initial connection failed")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return mgr.Shutdown(shutdownCtx)
}
