// Package ingest joins Twitch chat channels and feeds annotated messages to a
// writer.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/you/gnasty-emotes/internal/core"
)

// Annotator is the part of the annotation service the client needs.
type Annotator interface {
	AnnotateMessage(msg core.ChatMessage) core.ChatMessage
	LeaveChannel(ctx context.Context, channel string)
}

// Writer receives every annotated message.
type Writer interface {
	Write(core.ChatMessage) error
}

// Backfiller replays recent history of a channel after it is joined.
type Backfiller interface {
	Load(ctx context.Context, channel string) (int, error)
}

type Config struct {
	Nick     string
	Token    string
	Channels []string
}

// Client wraps a go-twitch-irc client. Without a token it connects
// anonymously and only reads.
type Client struct {
	cfg      Config
	svc      Annotator
	out      Writer
	backfill Backfiller

	irc       *twitch.Client
	anonymous bool

	mu     sync.Mutex
	joined map[string]struct{}
	ctx    context.Context
}

func New(cfg Config, svc Annotator, out Writer, backfill Backfiller) *Client {
	var irc *twitch.Client
	token := strings.TrimPrefix(strings.TrimSpace(cfg.Token), "oauth:")
	anonymous := token == "" || strings.TrimSpace(cfg.Nick) == ""
	if anonymous {
		irc = twitch.NewAnonymousClient()
	} else {
		irc = twitch.NewClient(strings.TrimSpace(cfg.Nick), "oauth:"+token)
	}

	c := &Client{
		cfg:       cfg,
		svc:       svc,
		out:       out,
		backfill:  backfill,
		irc:       irc,
		anonymous: anonymous,
		joined:    map[string]struct{}{},
		ctx:       context.Background(),
	}
	irc.OnPrivateMessage(c.handle)
	irc.OnConnect(c.onConnect)
	return c
}

// Run connects and blocks until ctx is done or the connection fails.
// Reconnects are handled by go-twitch-irc.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	for _, ch := range c.cfg.Channels {
		c.Join(ch)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.irc.Connect() }()

	select {
	case <-ctx.Done():
		_ = c.irc.Disconnect()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, twitch.ErrClientDisconnected) {
			return nil
		}
		return err
	}
}

// SetToken swaps the IRC password used on the next (re)connect. Anonymous
// clients ignore it.
func (c *Client) SetToken(token string) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "oauth:")
	if token == "" || c.anonymous {
		return
	}
	c.irc.SetIRCToken("oauth:" + token)
	slog.Info("ingest: irc token updated")
}

// Join adds channel to the joined set.
func (c *Client) Join(channel string) {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	if channel == "" {
		return
	}
	c.mu.Lock()
	c.joined[channel] = struct{}{}
	c.mu.Unlock()
	c.irc.Join(channel)
}

// Leave departs channel and drops its catalogs and backfill state.
func (c *Client) Leave(ctx context.Context, channel string) {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	c.mu.Lock()
	delete(c.joined, channel)
	c.mu.Unlock()
	c.irc.Depart(channel)
	c.svc.LeaveChannel(ctx, channel)
	slog.Info("ingest: left channel", "channel", channel)
}

// Channels returns the currently joined channels.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.joined)
}

func (c *Client) onConnect() {
	channels := c.Channels()
	slog.Info("ingest: connected", "channels", len(channels))
	if c.backfill == nil {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	for _, ch := range channels {
		go func(ch string) {
			if _, err := c.backfill.Load(ctx, ch); err != nil {
				slog.Warn("ingest: backfill failed", "channel", ch, "error", err)
			}
		}(ch)
	}
}

func (c *Client) handle(pm twitch.PrivateMessage) {
	msg := c.svc.AnnotateMessage(FromPrivateMessage(pm))
	if c.out == nil {
		return
	}
	if err := c.out.Write(msg); err != nil {
		slog.Warn("ingest: write message failed", "channel", msg.Channel, "id", msg.ID, "error", err)
	}
}
