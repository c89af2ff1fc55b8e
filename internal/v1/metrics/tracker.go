package metrics

import (
	"fmt"
	"sync"
	"time"
)

// DefaultHistorySize bounds the per-operation sample history.
const DefaultHistorySize = 1000

// sample is one completed operation.
type sample struct {
	duration time.Duration
	success  bool
	err      string
	endedAt  time.Time
}

// Aggregate summarizes the recorded history of one operation.
type Aggregate struct {
	Name        string
	Total       int
	Success     int
	Failed      int
	SuccessRate float64
	MinDuration time.Duration
	AvgDuration time.Duration
	MaxDuration time.Duration
	LastError   string
	LastErrorAt time.Time
}

// inflight is one started-but-unfinished operation.
type inflight struct {
	name    string
	startAt time.Time
}

// Tracker records operation timings with a bounded per-operation history.
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	history int
	nextID  uint64
	started map[string]inflight // operation id -> in-flight op
	samples map[string][]sample
}

// NewTracker returns a Tracker keeping the most recent history samples
// per operation (DefaultHistorySize when history <= 0).
func NewTracker(history int) *Tracker {
	if history <= 0 {
		history = DefaultHistorySize
	}
	return &Tracker{
		history: history,
		started: make(map[string]inflight),
		samples: make(map[string][]sample),
	}
}

var (
	defaultTracker *Tracker
	defaultOnce    sync.Once
)

// Default returns the process-wide tracker shared by the services.
func Default() *Tracker {
	defaultOnce.Do(func() {
		defaultTracker = NewTracker(DefaultHistorySize)
	})
	return defaultTracker
}

// StartOperation records the start time for one invocation of the named
// operation and returns an opaque id. The id, not the name, pairs the
// call with its EndOperation, so concurrent operations sharing a name
// cannot clobber each other's start time.
func (t *Tracker) StartOperation(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("%s#%d", name, t.nextID)
	t.started[id] = inflight{name: name, startAt: time.Now()}
	return id
}

// EndOperation completes the operation started under id, computing the
// duration from the matching StartOperation call and appending to the
// bounded history. An unknown id is ignored.
func (t *Tracker) EndOperation(id string, success bool, opErr error) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.started[id]
	if !ok {
		return
	}
	delete(t.started, id)

	s := sample{duration: now.Sub(op.startAt), success: success, endedAt: now}
	if opErr != nil {
		s.err = opErr.Error()
	}

	history := append(t.samples[op.name], s)
	if len(history) > t.history {
		history = history[len(history)-t.history:]
	}
	t.samples[op.name] = history
}

// Aggregate reports the summary for one operation name.
func (t *Tracker) Aggregate(name string) Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := Aggregate{Name: name}
	samples := t.samples[name]
	if len(samples) == 0 {
		return agg
	}

	var total time.Duration
	agg.MinDuration = samples[0].duration
	for _, s := range samples {
		agg.Total++
		if s.success {
			agg.Success++
		} else {
			agg.Failed++
			if s.err != "" {
				agg.LastError = s.err
				agg.LastErrorAt = s.endedAt
			}
		}
		total += s.duration
		if s.duration < agg.MinDuration {
			agg.MinDuration = s.duration
		}
		if s.duration > agg.MaxDuration {
			agg.MaxDuration = s.duration
		}
	}
	agg.AvgDuration = total / time.Duration(len(samples))
	agg.SuccessRate = float64(agg.Success) / float64(agg.Total)
	return agg
}

// Operations lists every operation name with recorded samples.
func (t *Tracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.samples))
	for name := range t.samples {
		names = append(names, name)
	}
	return names
}

// Reset drops all recorded history.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = make(map[string]inflight)
	t.samples = make(map[string][]sample)
}

// Timed wraps fn so every call is tracked under name, typically
// "component.method". It replaces the decorator the services would
// otherwise need.
func Timed[T any](t *Tracker, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := fn()

	t.mu.Lock()
	s := sample{duration: time.Since(start), success: err == nil, endedAt: time.Now()}
	if err != nil {
		s.err = err.Error()
	}
	history := append(t.samples[name], s)
	if len(history) > t.history {
		history = history[len(history)-t.history:]
	}
	t.samples[name] = history
	t.mu.Unlock()

	return res, err
}
