package portwatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// jobBudget bounds a single refresh: one probe with its fallbacks plus
// a full endpoint scan in the worst case.
const jobBudget = 2 * time.Minute

// MonitorRunner is what the monitor drives: something that can sync,
// list and refresh the watched services.
type MonitorRunner interface {
	SyncServices(ctx context.Context, force bool) (int, error)
	ServiceIDs() ([]uint, error)
	CheckService(ctx context.Context, id uint) (*Service, error)
	DetectService(ctx context.Context, id uint, force bool) (*Service, bool, error)
}

// Monitor periodically refreshes every service: a registry sync, then
// a health check and a gated API detection per service, spread over a
// small worker pool.
type Monitor struct {
	runner   MonitorRunner
	interval time.Duration
	workers  int

	jobs     chan uint
	inflight *serviceLimiter
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      zerolog.Logger
}

func NewMonitor(runner MonitorRunner, interval time.Duration, workers int) *Monitor {
	if workers < 1 {
		workers = 1
	}

	return &Monitor{
		runner:   runner,
		interval: interval,
		workers:  workers,
		jobs:     make(chan uint, workers*2),
		inflight: newServiceLimiter(),
		stopChan: make(chan struct{}),
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Start launches the workers and the tick loop. The first round runs
// right away instead of waiting a full interval.
func (m *Monitor) Start() {
	m.startWorkers()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.tick()
		for {
			select {
			case <-ticker.C:
				m.tick()
			case <-m.stopChan:
				// nothing submits after this point, workers drain
				// the queue and exit
				close(m.jobs)
				return
			}
		}
	}()

	m.log.Info().
		Dur("interval", m.interval).
		Int("workers", m.workers).
		Msg("monitor started")
}

// Stop waits for in-flight refreshes to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	m.log.Info().Msg("monitor stopped")
}

// Submit queues a service for a refresh. A full queue drops the
// submission, the next tick picks the service up again.
func (m *Monitor) Submit(id uint) {
	select {
	case m.jobs <- id:
	default:
		m.log.Debug().Uint("service", id).Msg("job queue full, skipping")
	}
}

func (m *Monitor) tick() {
	ctx := context.Background()
	if _, err := m.runner.SyncServices(ctx, false); err != nil {
		m.log.Error().Err(err).Msg("service sync failed")
	}

	ids, err := m.runner.ServiceIDs()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list services")
		return
	}

	for _, id := range ids {
		m.Submit(id)
	}
}

func (m *Monitor) startWorkers() {
	m.wg.Add(m.workers)
	for i := 0; i < m.workers; i++ {
		go func() {
			defer m.wg.Done()
			for id := range m.jobs {
				m.refresh(id)
			}
		}()
	}
}

func (m *Monitor) refresh(id uint) {
	if !m.inflight.acquire(id) {
		m.log.Debug().Uint("service", id).Msg("refresh already in flight")
		return
	}
	defer m.inflight.release(id)

	ctx, cancel := context.WithTimeout(context.Background(), jobBudget)
	defer cancel()

	if _, err := m.runner.CheckService(ctx, id); err != nil {
		m.log.Error().Err(err).Uint("service", id).Msg("check failed")
		return
	}

	if _, _, err := m.runner.DetectService(ctx, id, false); err != nil {
		m.log.Debug().Err(err).Uint("service", id).Msg("detection failed")
	}
}

// serviceLimiter keeps at most one in-flight refresh per service.
type serviceLimiter struct {
	mu   sync.Mutex
	busy map[uint]struct{}
}

func newServiceLimiter() *serviceLimiter {
	return &serviceLimiter{busy: make(map[uint]struct{})}
}

func (l *serviceLimiter) acquire(id uint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.busy[id]; ok {
		return false
	}
	l.busy[id] = struct{}{}
	return true
}

func (l *serviceLimiter) release(id uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, id)
}
