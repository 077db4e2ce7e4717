package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/gpumon/internal/monitor"
)

// ErrNoMonitor is returned by Subscribe when no GPU backend was selected.
var ErrNoMonitor = errors.New("no GPU monitor available")

// Manager polls a single monitor on a fixed interval, caches the latest
// snapshot and fans updates out to subscribers.
type Manager struct {
	interval time.Duration
	source   monitor.Monitor
	logger   *slog.Logger

	failures atomic.Uint64

	mu          sync.RWMutex
	latest      Snapshot
	hasLatest   bool
	lastErr     error
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewManager builds a Manager around source. A nil source yields a manager
// that never produces snapshots and reports itself ready.
func NewManager(interval time.Duration, source monitor.Monitor, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		interval:    interval,
		source:      source,
		logger:      logger.With("component", "sampler_manager"),
		subscribers: make(map[*subscriber]struct{}),
	}
	if source != nil {
		m.logger = m.logger.With("backend", source.Backend())
	}
	return m, nil
}

// Run polls the monitor until the context is canceled, then closes it.
func (m *Manager) Run(ctx context.Context) error {
	if m.source == nil {
		<-ctx.Done()
		return m.Close()
	}

	m.logger.Info("sampler started", "interval", m.interval)

	// Initial sample to prime cache.
	m.poll()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Manager) poll() {
	sample, procs, err := m.source.Sample()
	if err != nil {
		total := m.failures.Add(1)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("sampling failed", "err", err, "failures", total)
		return
	}

	m.publish(Snapshot{
		Backend:     m.source.Backend(),
		CollectedAt: time.Now().UTC(),
		Metrics:     sample,
		Processes:   procs,
	})
}

func (m *Manager) publish(snapshot Snapshot) {
	m.mu.Lock()
	m.latest = snapshot
	m.hasLatest = true
	m.lastErr = nil

	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(snapshot)
	}
}

// Available reports whether a monitor backend is attached.
func (m *Manager) Available() bool {
	return m.source != nil
}

// Backend names the attached monitor backend, or "" without one.
func (m *Manager) Backend() string {
	if m.source == nil {
		return ""
	}
	return m.source.Backend()
}

// StaticInfo returns the device description of the attached monitor.
func (m *Manager) StaticInfo() (monitor.StaticInfo, bool) {
	if m.source == nil {
		return monitor.StaticInfo{}, false
	}
	return m.source.StaticInfo(), true
}

// Interval returns the polling period.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Latest returns the most recent successful snapshot.
func (m *Manager) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// LastError returns the error of the latest poll, or nil if it succeeded.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Failures returns the number of polls that failed since start.
func (m *Manager) Failures() uint64 {
	return m.failures.Load()
}

// Subscribe registers a listener for new snapshots. The cached snapshot, if
// any, is delivered immediately.
func (m *Manager) Subscribe() (<-chan Snapshot, func(), error) {
	if m.source == nil {
		return nil, nil, ErrNoMonitor
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.hasLatest {
		sub.send(m.latest)
	}

	unsubscribe := func() {
		m.removeSubscriber(sub)
	}
	return sub.channel(), unsubscribe, nil
}

// Ready reports whether the first snapshot has been published. A manager
// without a monitor is always ready.
func (m *Manager) Ready() bool {
	if m.source == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLatest
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

// Close closes the monitor. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.source == nil {
			return
		}
		if err := m.source.Close(); err != nil {
			m.closeErr = fmt.Errorf("close %s monitor: %w", m.source.Backend(), err)
		}
	})
	return m.closeErr
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
		// Slow consumer: replace the pending snapshot with the newer one.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
