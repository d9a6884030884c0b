package application

import (
	"slices"
	"sync"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// NotifierRegistry holds the configured notifier for each channel. Notifiers
// can be replaced at runtime, e.g. after credentials change, without a restart.
type NotifierRegistry struct {
	mu        sync.RWMutex
	notifiers map[model.Channel]driven.Notifier
}

// NewNotifierRegistry creates a registry with the given notifiers. Nil entries are skipped.
func NewNotifierRegistry(notifiers ...driven.Notifier) *NotifierRegistry {
	r := &NotifierRegistry{notifiers: make(map[model.Channel]driven.Notifier)}
	for _, n := range notifiers {
		if n != nil {
			r.notifiers[n.Channel()] = n
		}
	}
	return r
}

// Get returns the notifier for channel, if one is configured.
func (r *NotifierRegistry) Get(channel model.Channel) (driven.Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[channel]
	return n, ok
}

// Replace installs n for its channel, replacing any previous notifier.
func (r *NotifierRegistry) Replace(n driven.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[n.Channel()] = n
}

// Remove disables channel.
func (r *NotifierRegistry) Remove(channel model.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notifiers, channel)
}

// Channels returns the configured channels in sorted order.
func (r *NotifierRegistry) Channels() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Channel, 0, len(r.notifiers))
	for ch := range r.notifiers {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}
