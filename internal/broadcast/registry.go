// Package broadcast fans events out to every connected observer.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/events"
)

// Observer is one connected control client.
type Observer interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
}

// Registry tracks observer membership. It never closes observers; the
// owner of each connection does that.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	members map[string]Observer
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, members: make(map[string]Observer)}
}

// Register adds o. Registering the same id twice keeps the latest value.
func (r *Registry) Register(o Observer) {
	r.mu.Lock()
	r.members[o.ID()] = o
	n := len(r.members)
	r.mu.Unlock()
	r.logger.Info("observer registered", "observer_id", o.ID(), "observers", n)
}

// Unregister removes o; removing an unknown observer is a no-op.
func (r *Registry) Unregister(o Observer) {
	r.mu.Lock()
	cur, ok := r.members[o.ID()]
	ok = ok && cur == o
	if ok {
		delete(r.members, o.ID())
	}
	n := len(r.members)
	r.mu.Unlock()
	if ok {
		r.logger.Info("observer unregistered", "observer_id", o.ID(), "observers", n)
	}
}

// Len returns the current member count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Registry) snapshot() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Observer, 0, len(r.members))
	for _, o := range r.members {
		out = append(out, o)
	}
	return out
}

// Broadcast delivers ev to a snapshot of the members and returns how many
// deliveries succeeded. Members whose Send fails are unregistered.
func (r *Registry) Broadcast(ctx context.Context, ev events.Event) int {
	msg, err := events.Encode(ev)
	if err != nil {
		r.logger.Error("encode event", "event", ev.Kind(), "error", err)
		return 0
	}
	members := r.snapshot()
	if len(members) == 0 {
		r.logger.Debug("no observers for event", "event", ev.Kind())
		return 0
	}
	delivered := 0
	for _, o := range members {
		if err := o.Send(ctx, msg); err != nil {
			r.logger.Warn("dropping observer after failed delivery", "observer_id", o.ID(), "event", ev.Kind(), "error", err)
			r.Unregister(o)
			continue
		}
		delivered++
	}
	r.logger.Info("event broadcast", "event", ev.Kind(), "delivered", delivered, "observers", len(members))
	return delivered
}

// Publish adapts Broadcast to the sink signature used by event producers.
func (r *Registry) Publish(ctx context.Context, ev events.Event) {
	r.Broadcast(ctx, ev)
}
