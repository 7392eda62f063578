package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalithlochan/courier/internal/db"
)

// ErrChannelNotConfigured is returned for a known channel with no dispatcher.
var ErrChannelNotConfigured = errors.New("channel not configured")

// BatchRunner runs one dispatch batch.
type BatchRunner interface {
	RunBatch(ctx context.Context) (Summary, error)
}

// Registry routes dispatch triggers to the dispatcher for a channel.
type Registry struct {
	dispatchers map[db.Channel]BatchRunner
}

// NewRegistry indexes dispatchers by the channel they serve.
func NewRegistry(dispatchers ...*Dispatcher) *Registry {
	r := &Registry{dispatchers: make(map[db.Channel]BatchRunner, len(dispatchers))}
	for _, d := range dispatchers {
		r.dispatchers[d.Channel()] = d
	}
	return r
}

// Register adds or replaces the runner for ch.
func (r *Registry) Register(ch db.Channel, runner BatchRunner) {
	r.dispatchers[ch] = runner
}

// Run executes one batch for the named channel.
func (r *Registry) Run(ctx context.Context, name string) (Summary, error) {
	ch, ok := db.ParseChannel(name)
	if !ok {
		return Summary{}, fmt.Errorf("%w: %q", db.ErrUnknownChannel, name)
	}
	runner, ok := r.dispatchers[ch]
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrChannelNotConfigured, ch)
	}
	return runner.RunBatch(ctx)
}

// Channels lists configured channels in canonical order.
func (r *Registry) Channels() []db.Channel {
	var out []db.Channel
	for _, ch := range db.Channels {
		if _, ok := r.dispatchers[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
