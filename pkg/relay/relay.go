// Copyright 2024-2026 Aiku AI

// Package relay forwards chat messages to the AI backend webhook and sends
// its replies back to WhatsApp.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-hub/pkg/connector"
	"github.com/aiku/whatsapp-hub/pkg/connector/wafmt"
)

const maxReplySize = 1 << 20

// Sender sends a reply. *connector.Gateway implements it.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
}

// Options configures a Relay.
type Options struct {
	WebhookURL string
	Token      string
	Timeout    time.Duration
	QueueSize  int
	Sender     Sender
	Client     *http.Client
	Log        zerolog.Logger
}

// Relay is a connector.Listener. Messages are queued and posted by a single
// worker so replies keep the order of the conversation.
type Relay struct {
	connector.ListenerFuncs

	url     string
	token   string
	timeout time.Duration
	sender  Sender
	client  *http.Client
	log     zerolog.Logger

	queue     chan *Payload
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

var _ connector.Listener = (*Relay)(nil)

// Payload is the webhook request body.
type Payload struct {
	Type     string                 `json:"type"`
	Message  *connector.ChatMessage `json:"message,omitempty"`
	Markdown string                 `json:"markdown,omitempty"`
	PollVote *connector.PollVote    `json:"poll_vote,omitempty"`
}

const (
	PayloadMessage  = "message"
	PayloadPollVote = "poll_vote"
)

// Reply is the webhook response body. An empty Text sends nothing.
type Reply struct {
	Text string `json:"text"`
}

func New(opts Options) (*Relay, error) {
	if opts.WebhookURL == "" {
		return nil, errors.New("relay webhook URL is empty")
	}
	if opts.Sender == nil {
		return nil, errors.New("relay needs a sender")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Relay{
		url:     opts.WebhookURL,
		token:   opts.Token,
		timeout: opts.Timeout,
		sender:  opts.Sender,
		client:  opts.Client,
		log:     opts.Log.With().Str("component", "relay").Logger(),
		queue:   make(chan *Payload, opts.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the worker until Stop is called or ctx is done.
func (r *Relay) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.run(ctx)
	})
}

// Stop stops the worker and waits for the in-flight request to finish.
// Queued payloads are dropped.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	// Never started: nothing will close done.
	r.startOnce.Do(func() { close(r.done) })
	<-r.done
}

// OnMessage queues messages the bot should answer.
func (r *Relay) OnMessage(msg *connector.ChatMessage) {
	if !msg.Permission.ShouldRespond || msg.FromHistory {
		return
	}
	r.enqueue(&Payload{Type: PayloadMessage, Message: msg, Markdown: wafmt.ToMarkdown(msg.Text)})
}

// OnPollVote queues poll votes. They never get a reply.
func (r *Relay) OnPollVote(vote *connector.PollVote) {
	r.enqueue(&Payload{Type: PayloadPollVote, PollVote: vote})
}

func (r *Relay) enqueue(p *Payload) {
	select {
	case r.queue <- p:
	default:
		r.log.Warn().Str("type", p.Type).Msg("Relay queue full, dropping event")
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case p := <-r.queue:
			r.handle(ctx, p)
		}
	}
}

func (r *Relay) handle(ctx context.Context, p *Payload) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	log := r.log.With().Str("type", p.Type).Logger()
	if p.Message != nil {
		log = log.With().Str("chat_id", p.Message.ChatID).Str("message_id", p.Message.ID).Logger()
	}
	reply, err := r.post(ctx, p)
	if err != nil {
		log.Err(err).Msg("Failed to relay event")
		return
	}
	if p.Type != PayloadMessage || reply == nil || reply.Text == "" {
		return
	}
	if _, err = r.sender.SendText(ctx, p.Message.ChatID, reply.Text); err != nil {
		log.Err(err).Msg("Failed to send reply")
		return
	}
	log.Debug().Msg("Reply sent")
}

func (r *Relay) post(ctx context.Context, p *Payload) (*Reply, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post to webhook: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var reply Reply
	if err = json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode webhook response: %w", err)
	}
	return &reply, nil
}
