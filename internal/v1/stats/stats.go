// Package stats maintains the in-memory per-channel activity registry.
package stats

import (
	"sort"
	"sync"
	"time"
)

// Event names one recordable channel occurrence.
type Event string

const (
	MessageSent       Event = "message_sent"
	MessageReceived   Event = "message_received"
	SubscriberAdded   Event = "subscriber_added"
	SubscriberRemoved Event = "subscriber_removed"
	Error             Event = "error"
)

// Default horizons for activity and cleanup.
const (
	DefaultActiveWindow  = 5 * time.Minute
	DefaultCleanupMaxAge = 24 * time.Hour
)

// ChannelStats holds the monotonic counters for one channel.
type ChannelStats struct {
	Channel          string
	MessagesSent     int64
	MessagesReceived int64
	Subscribers      int64
	ErrorCount       int64
	LastActivity     time.Time
}

// HealthSummary is the rollup across every tracked channel.
type HealthSummary struct {
	TotalChannels  int
	ActiveChannels int
	TotalMessages  int64
	TotalErrors    int64
	ErrorRate      float64
}

// Registry tracks channel stats. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*ChannelStats
	now      func() time.Time // injectable for tests
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*ChannelStats),
		now:      time.Now,
	}
}

// Record counts one event against channel. Counters are monotonic;
// last_activity advances on every recorded event.
func (r *Registry) Record(channel string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.channels[channel]
	if !ok {
		cs = &ChannelStats{Channel: channel}
		r.channels[channel] = cs
	}

	switch event {
	case MessageSent:
		cs.MessagesSent++
	case MessageReceived:
		cs.MessagesReceived++
	case SubscriberAdded:
		cs.Subscribers++
	case SubscriberRemoved:
		// Subscribers is a monotonic "adds" counter per the data model;
		// removals only refresh activity.
	case Error:
		cs.ErrorCount++
	}
	cs.LastActivity = r.now()
}

// Get returns a copy of one channel's stats and whether it exists.
func (r *Registry) Get(channel string) (ChannelStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.channels[channel]
	if !ok {
		return ChannelStats{Channel: channel}, false
	}
	return *cs, true
}

// All returns a copy of every channel's stats.
func (r *Registry) All() []ChannelStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelStats, 0, len(r.channels))
	for _, cs := range r.channels {
		out = append(out, *cs)
	}
	return out
}

// ActiveChannels lists channels with activity within maxAge
// (DefaultActiveWindow when maxAge <= 0).
func (r *Registry) ActiveChannels(maxAge time.Duration) []string {
	if maxAge <= 0 {
		maxAge = DefaultActiveWindow
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var out []string
	for name, cs := range r.channels {
		if cs.LastActivity.After(cutoff) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Metric selects the counter TopChannels ranks by.
type Metric string

const (
	BySent     Metric = "messages_sent"
	ByReceived Metric = "messages_received"
	ByErrors   Metric = "error_count"
)

// TopChannels returns up to limit channels ordered by the given metric,
// descending.
func (r *Registry) TopChannels(metric Metric, limit int) []ChannelStats {
	all := r.All()

	value := func(cs ChannelStats) int64 {
		switch metric {
		case ByReceived:
			return cs.MessagesReceived
		case ByErrors:
			return cs.ErrorCount
		default:
			return cs.MessagesSent
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if value(all[i]) != value(all[j]) {
			return value(all[i]) > value(all[j])
		}
		return all[i].Channel < all[j].Channel
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// HealthSummary rolls up counts across every tracked channel.
func (r *Registry) HealthSummary() HealthSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := HealthSummary{TotalChannels: len(r.channels)}
	cutoff := r.now().Add(-DefaultActiveWindow)
	for _, cs := range r.channels {
		if cs.LastActivity.After(cutoff) {
			summary.ActiveChannels++
		}
		summary.TotalMessages += cs.MessagesSent + cs.MessagesReceived
		summary.TotalErrors += cs.ErrorCount
	}
	if summary.TotalMessages > 0 {
		summary.ErrorRate = float64(summary.TotalErrors) / float64(summary.TotalMessages)
	}
	return summary
}

// Cleanup drops channels idle past maxAge (DefaultCleanupMaxAge when
// maxAge <= 0) and reports how many were removed.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for name, cs := range r.channels {
		if cs.LastActivity.Before(cutoff) {
			delete(r.channels, name)
			removed++
		}
	}
	return removed
}

// Reset drops everything.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[string]*ChannelStats)
}
