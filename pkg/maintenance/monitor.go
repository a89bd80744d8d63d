// maintenance/monitor.go
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/rs/zerolog"
)

// CacheManager is the slice of the cache manager the monitor consumes.
type CacheManager interface {
	Statistics(ctx context.Context) (*cachestore.Statistics, bool)
	WarmUp(ctx context.Context, contentType string, params ...string)
}

// Config holds the maintenance loop settings.
type Config struct {
	// Interval between maintenance cycles.
	Interval time.Duration
	// HitRatioThreshold is the ratio below which the monitor logs a warning.
	HitRatioThreshold float64
	// Backoff applied after a failed cycle before rejoining the tick loop.
	Backoff time.Duration
	// WarmContentTypes are re-warmed on every cycle.
	WarmContentTypes []string
}

// Monitor is the long-running maintenance loop: it reports cache health on a
// fixed interval and re-warms configured content types. A failed cycle is
// logged and the loop continues after a bounded backoff; it exits only on
// cancellation or Stop.
type Monitor struct {
	manager CacheManager
	cfg     Config
	logger  zerolog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewMonitor creates a maintenance monitor over the given manager.
func NewMonitor(cfg Config, manager CacheManager, logger zerolog.Logger) (*Monitor, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.HitRatioThreshold <= 0 {
		cfg.HitRatioThreshold = 0.80
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}

	return &Monitor{
		manager:  manager,
		cfg:      cfg,
		logger:   logger.With().Str("component", "MaintenanceMonitor").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start launches the maintenance loop. The first cycle runs immediately so a
// fresh process reports health and warms without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Starting maintenance monitor...")
	m.started.Store(true)
	go m.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.logger.Info().Msg("Stopping maintenance monitor...")
		close(m.stopChan)
	})
	if !m.started.Load() {
		// Start never ran; there is no loop to wait for.
		return nil
	}

	select {
	case <-m.doneChan:
		m.logger.Info().Msg("Maintenance monitor stopped.")
		return nil
	case <-ctx.Done():
		m.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for maintenance loop to stop.")
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneChan)
	defer m.logger.Info().Msg("Maintenance loop stopped.")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := m.cycle(ctx); err != nil {
			m.logger.Error().Err(err).Dur("backoff", m.cfg.Backoff).Msg("Maintenance cycle failed; backing off.")
			select {
			case <-time.After(m.cfg.Backoff):
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		}
	}
}

// cycle runs one maintenance pass. A panic from the manager is converted to
// an error so one bad cycle cannot kill the loop.
func (m *Monitor) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance cycle panicked: %v", r)
		}
	}()

	stats, ok := m.manager.Statistics(ctx)
	if !ok {
		m.logger.Warn().Msg("Cache statistics unavailable; skipping health checks this cycle.")
	} else {
		m.report(stats)
	}

	for _, contentType := range m.cfg.WarmContentTypes {
		m.manager.WarmUp(ctx, contentType)
	}
	return nil
}

func (m *Monitor) report(stats *cachestore.Statistics) {
	if !stats.Connected {
		m.logger.Warn().Msg("Cache backend is not connected.")
	}

	if observed := stats.Hits + stats.Misses; observed > 0 && stats.HitRatio < m.cfg.HitRatioThreshold {
		m.logger.Warn().
			Float64("hit_ratio", stats.HitRatio).
			Float64("threshold", m.cfg.HitRatioThreshold).
			Int64("hits", stats.Hits).
			Int64("misses", stats.Misses).
			Msg("Cache hit ratio is below threshold.")
		return
	}

	m.logger.Info().
		Float64("hit_ratio", stats.HitRatio).
		Int64("keys", stats.Keys).
		Int64("memory_bytes", stats.MemoryBytes).
		Msg("Cache health check completed.")
}
