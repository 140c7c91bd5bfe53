package sink

import (
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/metrics"
)

type broadcaster interface {
	Broadcast(core.ChatMessage)
}

// WithBroadcast stores messages and then pushes them to live listeners. A
// failed insert is counted and not broadcast.
type WithBroadcast struct {
	base    Writer
	api     broadcaster
	metrics *metrics.Metrics
}

func WithAPI(base Writer, api broadcaster, m *metrics.Metrics) *WithBroadcast {
	return &WithBroadcast{base: base, api: api, metrics: m}
}

func (w *WithBroadcast) Write(msg core.ChatMessage) error {
	if w.base != nil {
		if err := w.base.Write(msg); err != nil {
			w.metrics.IncDBWriteErrors()
			return err
		}
	}
	if w.api != nil {
		w.api.Broadcast(msg)
	}
	return nil
}
