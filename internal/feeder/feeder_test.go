package feeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwrng/internal/metrics"
)

type fakePool struct {
	mu      sync.Mutex
	level   int
	readErr error
	addErr  error
	added   [][]byte
	credits []int
	closed  bool
}

func (p *fakePool) EntropyCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, p.readErr
}

func (p *fakePool) AddEntropy(data []byte, bits int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.added = append(p.added, append([]byte(nil), data...))
	p.credits = append(p.credits, bits)
	p.level += bits
	return nil
}

func (p *fakePool) Close() error {
	p.closed = true
	return nil
}

func (p *fakePool) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.added)
}

type fakeFiller struct {
	value byte
	err   error
	last  []byte
}

func (f *fakeFiller) Fill(_ context.Context, p []byte) error {
	if f.err != nil {
		return f.err
	}
	for i := range p {
		p[i] = f.value
	}
	f.last = p
	return nil
}

func testConfig() Config {
	return Config{
		Interval:      time.Millisecond,
		ChunkBytes:    64,
		CreditPercent: 50,
		LowWaterBits:  1024,
	}
}

func TestCredit(t *testing.T) {
	tests := []struct {
		chunk, percent, want int
	}{
		{64, 100, 512},
		{64, 50, 256},
		{64, 0, 0},
		{3, 33, 7},
		{1, 10, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Config{ChunkBytes: tt.chunk, CreditPercent: tt.percent}.Credit())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Interval: 0, ChunkBytes: 64, CreditPercent: 50},
		{Interval: time.Second, ChunkBytes: 0, CreditPercent: 50},
		{Interval: time.Second, ChunkBytes: 64, CreditPercent: 101},
		{Interval: time.Second, ChunkBytes: 64, CreditPercent: -1},
	} {
		_, err := New(&fakeFiller{}, &fakePool{}, cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestStepFeedsBelowLowWater(t *testing.T) {
	m := metrics.NewSourceMetrics(metrics.NewRegistry("test", ""))
	pool := &fakePool{level: 100}
	src := &fakeFiller{value: 0x5A}

	f, err := New(src, pool, testConfig(), WithMetrics(m))
	require.NoError(t, err)
	defer f.Close()

	fed, err := f.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, fed)

	require.Len(t, pool.added, 1)
	assert.Len(t, pool.added[0], 64)
	assert.Equal(t, byte(0x5A), pool.added[0][0])
	assert.Equal(t, []int{256}, pool.credits)

	assert.Equal(t, make([]byte, 64), src.last, "chunk buffer is wiped after submission")
	assert.Equal(t, int64(100), m.PoolEntropyBits.Value())
	assert.Equal(t, uint64(256), m.CreditedBits.Value())
	assert.Equal(t, uint64(1), m.FeedCyclesTotal.Value())
}

func TestStepSkipsAboveLowWater(t *testing.T) {
	m := metrics.NewSourceMetrics(metrics.NewRegistry("test", ""))
	pool := &fakePool{level: 1024}

	f, err := New(&fakeFiller{}, pool, testConfig(), WithMetrics(m))
	require.NoError(t, err)

	fed, err := f.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, fed)
	assert.Empty(t, pool.added)
	assert.Equal(t, uint64(1), m.SkippedFeedTotal.Value())
}

func TestStepErrors(t *testing.T) {
	tests := []struct {
		name string
		pool *fakePool
		src  *fakeFiller
		want string
	}{
		{"count", &fakePool{readErr: errors.New("EPERM")}, &fakeFiller{}, "read entropy count"},
		{"draw", &fakePool{}, &fakeFiller{err: errors.New("chain: all sources failed")}, "draw chunk"},
		{"add", &fakePool{addErr: errors.New("EPERM")}, &fakeFiller{value: 1}, "add entropy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.src, tt.pool, testConfig())
			require.NoError(t, err)

			fed, err := f.Step(context.Background())
			assert.False(t, fed)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRunFeedsUntilCancelled(t *testing.T) {
	pool := &fakePool{level: 0}
	cfg := testConfig()
	cfg.LowWaterBits = 1 << 30

	f, err := New(&fakeFiller{value: 1}, pool, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return pool.submissions() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunSurvivesCycleErrors(t *testing.T) {
	pool := &fakePool{readErr: errors.New("transient")}
	f, err := New(&fakeFiller{}, pool, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, f.Run(ctx))
}

func TestSetConfig(t *testing.T) {
	pool := &fakePool{}
	f, err := New(&fakeFiller{value: 2}, pool, testConfig())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ChunkBytes = 16
	cfg.CreditPercent = 100
	require.NoError(t, f.SetConfig(cfg))
	assert.Equal(t, cfg, f.Config())

	_, err = f.Step(context.Background())
	require.NoError(t, err)
	assert.Len(t, pool.added[0], 16)
	assert.Equal(t, 128, pool.credits[0])

	assert.Error(t, f.SetConfig(Config{}))
	assert.Equal(t, cfg, f.Config())
}

func TestClose(t *testing.T) {
	pool := &fakePool{}
	f, err := New(&fakeFiller{}, pool, testConfig())
	require.NoError(t, err)

	require.NoError(t, f.Close())
	assert.True(t, pool.closed)
}
