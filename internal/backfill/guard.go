// Package backfill gates and performs the one-time replay of recent chat
// history for a channel.
package backfill

import (
	"context"
	"strings"
	"sync"
)

// Guard is an at-most-once gate per channel. ShouldFetch reports true for
// exactly one caller until the channel is cleared; the check and the insert
// happen as one atomic step.
type Guard interface {
	ShouldFetch(ctx context.Context, channel string) (bool, error)
	Clear(ctx context.Context, channel string) error
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	fetched sync.Map
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{}
}

func (g *MemoryGuard) ShouldFetch(_ context.Context, channel string) (bool, error) {
	_, loaded := g.fetched.LoadOrStore(channelKey(channel), struct{}{})
	return !loaded, nil
}

func (g *MemoryGuard) Clear(_ context.Context, channel string) error {
	g.fetched.Delete(channelKey(channel))
	return nil
}

func channelKey(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
