// Package heartbeat emits periodic liveness messages and tracks the
// liveness of peer processes.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/channels"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
	"github.com/pearl-OS/messaging/internal/v1/publisher"
	"github.com/pearl-OS/messaging/internal/v1/subscriber"
	"github.com/pearl-OS/messaging/internal/v1/types"
)

// Defaults for the heartbeat cadence and liveness judgment.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 60 * time.Second
)

// StatusStopped is the final status emitted by Stop. A process reporting
// it is never considered healthy.
const StatusStopped = "stopped"

// Handler observes every inbound heartbeat.
type Handler func(ctx context.Context, msg *types.Message)

// Config tunes the service.
type Config struct {
	ProcessID string
	Interval  time.Duration
	Timeout   time.Duration
}

// Status summarizes the service state.
type Status struct {
	ProcessID      string
	Beating        bool
	Listening      bool
	KnownProcesses int
}

// Service emits heartbeats for this process and maintains the process
// map for its peers.
type Service struct {
	pub       *publisher.Publisher
	sub       *subscriber.Subscriber
	processID string
	interval  time.Duration
	timeout   time.Duration
	tracker   *metrics.Tracker

	mu        sync.Mutex
	processes map[string]*types.ProcessStatus
	listening *subscriber.Subscription
	beatStop  context.CancelFunc
	cleanStop context.CancelFunc
	wg        sync.WaitGroup
	now       func() time.Time // injectable for tests
}

// New wires the heartbeat service.
func New(pub *publisher.Publisher, sub *subscriber.Subscriber, cfg Config) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		pub:       pub,
		sub:       sub,
		processID: cfg.ProcessID,
		interval:  interval,
		timeout:   timeout,
		tracker:   metrics.Default(),
		processes: make(map[string]*types.ProcessStatus),
		now:       time.Now,
	}
}

func (s *Service) emit(ctx context.Context, status string, metadata map[string]any) publisher.Result {
	msg := &types.Message{
		Type:      types.TypeHeartbeat,
		ProcessID: s.processID,
		Status:    status,
		Metadata:  metadata,
	}
	return s.pub.Publish(ctx, channels.BotHeartbeat, msg, publisher.Options{Validate: true})
}

// StartHeartbeat emits one heartbeat immediately and then one every
// interval until StopHeartbeat. Idempotent while running.
func (s *Service) StartHeartbeat(status string, metadata map[string]any) {
	s.mu.Lock()
	if s.beatStop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.beatStop = cancel
	s.mu.Unlock()

	s.emit(ctx, status, metadata)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if res := s.emit(ctx, status, metadata); !res.Success {
					logging.Warn(ctx, "Heartbeat emit failed", zap.Error(res.Err))
				}
			}
		}
	}()
}

// StopHeartbeat cancels the timer and sends a final stopped heartbeat.
func (s *Service) StopHeartbeat() {
	s.mu.Lock()
	cancel := s.beatStop
	s.beatStop = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	s.emit(ctx, StatusStopped, nil)
}

// StartListening subscribes to the heartbeat channel and maintains the
// process map. The optional handler observes every inbound heartbeat.
// A cleanup task runs at twice the timeout, evicting entries older than
// three times the timeout.
func (s *Service) StartListening(handler Handler) error {
	s.mu.Lock()
	if s.listening != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sub, err := s.sub.Subscribe(channels.BotHeartbeat, func(ctx context.Context, msg *types.Message) error {
		if msg.Type != types.TypeHeartbeat {
			return nil
		}
		s.observe(msg)
		if handler != nil {
			handler(ctx, msg)
		}
		return nil
	}, subscriber.Options{Validate: true, AutoReconnect: true})
	if err != nil {
		return err
	}

	cleanCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.listening = sub
	s.cleanStop = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(2 * s.timeout)
		defer ticker.Stop()
		for {
			select {
			case <-cleanCtx.Done():
				return
			case <-ticker.C:
				s.evictStale()
			}
		}
	}()
	return nil
}

func (s *Service) observe(msg *types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.processes[msg.ProcessID]
	if !ok {
		ps = &types.ProcessStatus{ProcessID: msg.ProcessID}
		s.processes[msg.ProcessID] = ps
	}
	ps.Status = msg.Status
	ps.LastSeen = s.now()
	ps.Metadata = msg.Metadata
}

// evictStale drops processes unseen for longer than three timeouts.
func (s *Service) evictStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-3 * s.timeout)
	for id, ps := range s.processes {
		if ps.LastSeen.Before(cutoff) {
			delete(s.processes, id)
			logging.Info(context.Background(), "Evicted stale process",
				zap.String("process_id", id))
		}
	}
	s.updateGauges()
}

func (s *Service) updateGauges() {
	healthy, stale := 0, 0
	cutoff := s.now().Add(-s.timeout)
	for _, ps := range s.processes {
		if ps.Status != StatusStopped && ps.LastSeen.After(cutoff) {
			healthy++
		} else {
			stale++
		}
	}
	metrics.HeartbeatProcesses.WithLabelValues("healthy").Set(float64(healthy))
	metrics.HeartbeatProcesses.WithLabelValues("stale").Set(float64(stale))
}

// StopListening drops the subscription and the cleanup task. The
// process map is retained until Destroy.
func (s *Service) StopListening() {
	s.mu.Lock()
	sub := s.listening
	s.listening = nil
	cancel := s.cleanStop
	s.cleanStop = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = s.sub.Unsubscribe(sub)
	}
}

// IsProcessHealthy reports whether pid was seen within the timeout and
// is not stopped.
func (s *Service) IsProcessHealthy(pid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.processes[pid]
	if !ok {
		return false
	}
	if ps.Status == StatusStopped {
		return false
	}
	return s.now().Sub(ps.LastSeen) < s.timeout
}

// GetActiveProcesses returns a copy of the current process map.
func (s *Service) GetActiveProcesses() []types.ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ProcessStatus, 0, len(s.processes))
	for _, ps := range s.processes {
		out = append(out, *ps)
	}
	return out
}

// Status reports the current service state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ProcessID:      s.processID,
		Beating:        s.beatStop != nil,
		Listening:      s.listening != nil,
		KnownProcesses: len(s.processes),
	}
}

// Destroy cancels the heartbeat, stops listening, and drops the process
// map.
func (s *Service) Destroy() {
	s.StopHeartbeat()
	s.StopListening()
	s.wg.Wait()

	s.mu.Lock()
	s.processes = make(map[string]*types.ProcessStatus)
	s.mu.Unlock()
}
