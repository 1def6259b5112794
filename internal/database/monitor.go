package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultMaxPending = 4096

// Monitor wraps the durable store and absorbs its failures so that trading
// continues when the database is unreachable. Writes that fail are queued
// and re-logged best-effort once the store returns; callers keep their own
// in-memory state authoritative in the meantime.
type Monitor struct {
	db *gorm.DB

	mu         sync.Mutex
	down       bool
	downSince  time.Time
	pending    []func(*gorm.DB) error
	maxPending int
	dropped    int
}

// NewMonitor wraps an established GORM connection.
func NewMonitor(db *gorm.DB) *Monitor {
	return &Monitor{db: db, maxPending: defaultMaxPending}
}

// DB exposes the underlying connection for read paths. Readers must be
// prepared for errors while the store is down.
func (m *Monitor) DB() *gorm.DB {
	return m.db
}

// Durable reports whether writes are currently reaching the store.
func (m *Monitor) Durable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// PendingWrites returns the number of queued writes awaiting replay.
func (m *Monitor) PendingWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Write executes fn against the store. On failure the write is queued for
// replay and the store is marked down; the error is absorbed because store
// loss must never fail trading operations.
func (m *Monitor) Write(fn func(*gorm.DB) error) {
	m.mu.Lock()
	if m.down {
		m.enqueueLocked(fn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := fn(m.db); err != nil {
		log.Warn().Err(err).Msg("durable store write failed, entering degraded mode")
		m.mu.Lock()
		if !m.down {
			m.down = true
			m.downSince = time.Now()
		}
		m.enqueueLocked(fn)
		m.mu.Unlock()
	}
}

func (m *Monitor) enqueueLocked(fn func(*gorm.DB) error) {
	if len(m.pending) >= m.maxPending {
		// Drop oldest; reconciliation against the broker is the backstop
		// for anything lost here.
		m.pending = m.pending[1:]
		m.dropped++
	}
	m.pending = append(m.pending, fn)
}

// Run periodically probes the store while degraded and drains the pending
// queue once it answers again. Blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "store_monitor").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			down := m.down
			m.mu.Unlock()
			if !down {
				continue
			}
			if err := m.ping(); err != nil {
				logger.Debug().Err(err).Msg("store still unreachable")
				continue
			}
			m.replay()
		}
	}
}

func (m *Monitor) ping() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// replay drains the pending queue after the store comes back. Individual
// replay failures are logged and skipped; a failing probe write re-enters
// degraded mode on the next Write call.
func (m *Monitor) replay() {
	m.mu.Lock()
	queued := m.pending
	m.pending = nil
	dropped := m.dropped
	m.dropped = 0
	m.down = false
	since := m.downSince
	m.mu.Unlock()

	failures := 0
	for _, fn := range queued {
		if err := fn(m.db); err != nil {
			failures++
		}
	}
	log.Info().
		Int("replayed", len(queued)-failures).
		Int("failed", failures).
		Int("dropped", dropped).
		Dur("outage", time.Since(since)).
		Msg("durable store restored, pending writes re-logged")
}
