// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"
)

// MattermostAlerter posts to a Mattermost channel when the connection needs
// a human: reconnects exhausted or the device was logged out. Alerts are
// queued and posted by a worker started with Start.
type MattermostAlerter struct {
	ListenerFuncs

	client    *model.Client4
	channelID string
	timeout   time.Duration
	log       zerolog.Logger

	queue     chan alert
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

type alert struct {
	state status.BridgeStateEvent
	text  string
}

var _ Listener = (*MattermostAlerter)(nil)

func NewMattermostAlerter(cfg AlertsConfig, log zerolog.Logger) (*MattermostAlerter, error) {
	if cfg.MattermostURL == "" || cfg.ChannelID == "" {
		return nil, errors.New("mattermost alerts need a server URL and a channel id")
	}
	client := model.NewAPIv4Client(cfg.MattermostURL)
	client.SetToken(cfg.MattermostToken)
	return &MattermostAlerter{
		client:    client,
		channelID: cfg.ChannelID,
		timeout:   10 * time.Second,
		log:       log.With().Str("component", "mm_alerts").Logger(),
		queue:     make(chan alert, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the worker until Stop is called or ctx is done.
func (a *MattermostAlerter) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go a.run(ctx)
	})
}

// Stop posts the alerts already queued and waits for the worker to exit.
func (a *MattermostAlerter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	a.startOnce.Do(func() { close(a.done) })
	<-a.done
}

// OnBridgeState posts an alert for terminal states and ignores the rest.
func (a *MattermostAlerter) OnBridgeState(state status.BridgeState) {
	var text string
	switch state.StateEvent {
	case status.StateBadCredentials:
		text = "#### :warning: WhatsApp reconnects exhausted\nThe bot stopped reconnecting. Regenerate the QR code from the admin API and scan it again."
	case status.StateLoggedOut:
		text = "#### :warning: WhatsApp device logged out\nThe session was wiped. Scan the new QR code to link the bot again."
	default:
		return
	}
	if state.Message != "" {
		text += "\n\n> " + state.Message
	}
	select {
	case a.queue <- alert{state: state.StateEvent, text: text}:
	default:
		a.log.Warn().Str("state", string(state.StateEvent)).Msg("Alert queue full, dropping alert")
	}
}

func (a *MattermostAlerter) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			for {
				select {
				case al := <-a.queue:
					a.send(context.Background(), al)
				default:
					return
				}
			}
		case al := <-a.queue:
			a.send(ctx, al)
		}
	}
}

func (a *MattermostAlerter) send(ctx context.Context, al alert) {
	if err := a.post(ctx, al.text); err != nil {
		a.log.Warn().Err(err).Str("state", string(al.state)).Msg("Failed to post alert")
	}
}

func (a *MattermostAlerter) post(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, _, err := a.client.CreatePost(ctx, &model.Post{
		ChannelId: a.channelID,
		Message:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}
