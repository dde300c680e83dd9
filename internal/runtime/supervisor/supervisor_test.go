package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanicAndRecordsStats(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("kaput") })

	require.NoError(t, waitErr(t, s))
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "kaput")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	g := snap.Goroutines[0]
	assert.Equal(t, "boom", g.Name)
	assert.EqualValues(t, 1, g.Panics)
	assert.Zero(t, g.Active)
	assert.Contains(t, g.LastPanic, "kaput")
}

func TestCancelOnErrorCancelsContext(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("nope") })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fails: nope")
	assert.Error(t, s.Context().Err())
}

func TestCanceledIsCleanStop(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, Counters{Active: 0, Started: 1}, s.Counters())
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")

	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			assert.EqualValues(t, 2, g.Restarts)
			assert.EqualValues(t, 3, g.Started)
		}
	}
}

func waitErr(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
