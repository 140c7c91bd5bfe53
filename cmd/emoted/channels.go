package main

import (
	"context"
	"log/slog"
	"strings"
)

type chatChannels interface {
	Join(channel string)
	Leave(ctx context.Context, channel string)
	Channels() []string
}

type refreshChannels interface {
	Add(channel string)
	Remove(channel string)
	RefreshChannel(ctx context.Context, channel string) error
}

// channelControl keeps the chat connection and the catalog refresher on the
// same set of channels.
type channelControl struct {
	chat    chatChannels
	refresh refreshChannels
}

func (c *channelControl) Join(ctx context.Context, channel string) error {
	channel = normalizeChannel(channel)
	c.refresh.Add(channel)
	if err := c.refresh.RefreshChannel(ctx, channel); err != nil {
		// the next tick retries; chat can start without channel catalogs
		slog.Warn("emoted: initial channel refresh failed", "channel", channel, "err", err)
	}
	c.chat.Join(channel)
	return nil
}

// Leave stops refreshing before the chat client forgets the channel's
// catalogs, so a later tick cannot reload them.
func (c *channelControl) Leave(ctx context.Context, channel string) error {
	channel = normalizeChannel(channel)
	c.refresh.Remove(channel)
	c.chat.Leave(ctx, channel)
	return nil
}

func (c *channelControl) List() []string {
	return c.chat.Channels()
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}
