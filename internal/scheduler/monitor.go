package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/fleet/pkg/config"
)

// Sweeper recovers assignments held by nodes that have gone silent.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) int
}

// Monitor periodically recovers lost assignments and then runs a scheduling pass.
type Monitor struct {
	scheduler *Scheduler
	sweeper   Sweeper
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewMonitor creates a new Monitor. sweeper may be nil.
func NewMonitor(s *Scheduler, sweeper Sweeper, cfg *config.SchedulerConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		scheduler: s,
		sweeper:   sweeper,
		interval:  cfg.PassInterval,
		now:       time.Now,
		logger:    logger.With("component", "monitor"),
		stopChan:  make(chan struct{}),
	}
}

// Start runs the loop until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Info("starting scheduling monitor", "pass_interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("scheduling monitor stopped by context")
			return ctx.Err()
		case <-stop:
			m.logger.Info("scheduling monitor stopped")
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		close(m.stopChan)
		m.running = false
	}
}

// IsRunning reports whether the loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce sweeps lost assignments, so their jobs are queued again, then schedules.
func (m *Monitor) RunOnce(ctx context.Context) (recovered, placed int) {
	if m.sweeper != nil {
		recovered = m.sweeper.Sweep(ctx, m.now())
		if recovered > 0 {
			m.logger.Warn("recovered lost assignments", "count", recovered)
		}
	}
	placed = m.scheduler.Pass(ctx)
	return recovered, placed
}
