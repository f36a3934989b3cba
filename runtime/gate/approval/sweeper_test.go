package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sweepRecorder struct {
	mu         sync.Mutex
	calls      int
	retentions []time.Duration
}

func (r *sweepRecorder) Create(context.Context, string, json.RawMessage, json.RawMessage, time.Duration) (Request, error) {
	return Request{}, nil
}

func (r *sweepRecorder) Resolve(context.Context, string, bool, json.RawMessage) (Request, error) {
	return Request{}, nil
}

func (r *sweepRecorder) Get(context.Context, string) (Request, error) {
	return Request{}, ErrNotFound
}

func (r *sweepRecorder) SweepExpired(_ context.Context, _ time.Time, retention time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.retentions = append(r.retentions, retention)
	return 1, nil
}

func (r *sweepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSweeperDefaults(t *testing.T) {
	s := NewSweeper(SweeperOptions{Store: &sweepRecorder{}})
	require.Equal(t, time.Minute, s.interval)
	require.Equal(t, 24*time.Hour, s.retention)
}

func TestSweeperRunsImmediatelyAndOnTicks(t *testing.T) {
	rec := &sweepRecorder{}
	s := NewSweeper(SweeperOptions{Store: rec, Interval: 10 * time.Millisecond, Retention: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, rt := range rec.retentions {
		require.Equal(t, time.Hour, rt)
	}
}
