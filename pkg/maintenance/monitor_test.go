package maintenance_test

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/illmade-knight/go-cache/pkg/maintenance"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockManager struct {
	statisticsFunc  func(ctx context.Context) (*cachestore.Statistics, bool)
	statisticsCalls atomic.Int32
	warmUpCalls     atomic.Int32
	warmedTypes     sync.Map
}

func (m *mockManager) Statistics(ctx context.Context) (*cachestore.Statistics, bool) {
	m.statisticsCalls.Add(1)
	if m.statisticsFunc != nil {
		return m.statisticsFunc(ctx)
	}
	return &cachestore.Statistics{Connected: true, Hits: 9, Misses: 1, HitRatio: 0.9}, true
}

func (m *mockManager) WarmUp(_ context.Context, contentType string, _ ...string) {
	m.warmUpCalls.Add(1)
	m.warmedTypes.Store(contentType, true)
}

// syncBuffer lets the monitor goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// --- Helper Functions ---

func startMonitor(t *testing.T, cfg maintenance.Config, manager maintenance.CacheManager, logger zerolog.Logger) *maintenance.Monitor {
	t.Helper()

	monitor, err := maintenance.NewMonitor(cfg, manager, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, monitor.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = monitor.Stop(stopCtx)
	})
	return monitor
}

// --- Test Cases ---

func TestMonitor_WarnsOnLowHitRatio(t *testing.T) {
	manager := &mockManager{
		statisticsFunc: func(_ context.Context) (*cachestore.Statistics, bool) {
			return &cachestore.Statistics{Connected: true, Hits: 3, Misses: 7, HitRatio: 0.3}, true
		},
	}
	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	startMonitor(t, maintenance.Config{Interval: 10 * time.Millisecond}, manager, logger)

	require.Eventually(t, func() bool {
		return manager.statisticsCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, logs.String(), "Cache hit ratio is below threshold.")
}

func TestMonitor_HealthyCacheDoesNotWarn(t *testing.T) {
	manager := &mockManager{}
	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	startMonitor(t, maintenance.Config{Interval: 10 * time.Millisecond}, manager, logger)

	require.Eventually(t, func() bool {
		return manager.statisticsCalls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	assert.NotContains(t, logs.String(), "below threshold")
	assert.Contains(t, logs.String(), "Cache health check completed.")
}

func TestMonitor_WarnsWhenDisconnected(t *testing.T) {
	manager := &mockManager{
		statisticsFunc: func(_ context.Context) (*cachestore.Statistics, bool) {
			return &cachestore.Statistics{Connected: false}, true
		},
	}
	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	startMonitor(t, maintenance.Config{Interval: 10 * time.Millisecond}, manager, logger)

	require.Eventually(t, func() bool {
		return manager.statisticsCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, logs.String(), "Cache backend is not connected.")
}

func TestMonitor_ContinuesWhenStatisticsUnavailable(t *testing.T) {
	manager := &mockManager{
		statisticsFunc: func(_ context.Context) (*cachestore.Statistics, bool) {
			return nil, false
		},
	}

	startMonitor(t, maintenance.Config{Interval: 10 * time.Millisecond}, manager, zerolog.Nop())

	// The loop keeps ticking even though every cycle comes back empty.
	require.Eventually(t, func() bool {
		return manager.statisticsCalls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_ReWarmsConfiguredContentTypes(t *testing.T) {
	manager := &mockManager{}

	startMonitor(t, maintenance.Config{
		Interval:         10 * time.Millisecond,
		WarmContentTypes: []string{"post", "category"},
	}, manager, zerolog.Nop())

	require.Eventually(t, func() bool {
		return manager.warmUpCalls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	_, warmedPosts := manager.warmedTypes.Load("post")
	_, warmedCategories := manager.warmedTypes.Load("category")
	assert.True(t, warmedPosts)
	assert.True(t, warmedCategories)
}

func TestMonitor_RecoversFromPanickingCycle(t *testing.T) {
	manager := &mockManager{
		statisticsFunc: func(_ context.Context) (*cachestore.Statistics, bool) {
			panic("statistics exploded")
		},
	}
	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	startMonitor(t, maintenance.Config{
		Interval: 10 * time.Millisecond,
		Backoff:  time.Millisecond,
	}, manager, logger)

	// Each cycle panics; the loop must keep running through the backoff path.
	require.Eventually(t, func() bool {
		return manager.statisticsCalls.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, logs.String(), "Maintenance cycle failed; backing off.")
}

func TestMonitor_StopTerminatesLoop(t *testing.T) {
	manager := &mockManager{}

	monitor, err := maintenance.NewMonitor(maintenance.Config{Interval: 10 * time.Millisecond}, manager, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, monitor.Start(ctx))

	require.Eventually(t, func() bool {
		return manager.statisticsCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, monitor.Stop(stopCtx))

	// No further cycles after Stop returns.
	settled := manager.statisticsCalls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, manager.statisticsCalls.Load())
}

func TestMonitor_StopBeforeStartReturnsImmediately(t *testing.T) {
	monitor, err := maintenance.NewMonitor(maintenance.Config{}, &mockManager{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, monitor.Stop(ctx))
}

func TestNewMonitor_RequiresManager(t *testing.T) {
	_, err := maintenance.NewMonitor(maintenance.Config{}, nil, zerolog.Nop())
	require.Error(t, err)
}
