package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/folio/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	_, err := NewPool(0, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestSubmitRunsTasksWithBoundedConcurrency(t *testing.T) {
	p, err := NewPool(2, nil)
	require.NoError(t, err)

	var running, peak, done atomic.Int32
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit("work", func(context.Context) error {
			n := running.Add(1)
			for {
				current := peak.Load()
				if n <= current || peak.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
			return nil
		}))
	}
	p.Wait()
	require.Equal(t, int32(6), done.Load())
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFailuresAndPanicsAreContained(t *testing.T) {
	p, err := NewPool(1, nil)
	require.NoError(t, err)

	var after atomic.Bool
	require.NoError(t, p.Submit("fails", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit("panics", func(context.Context) error { panic("bad") }))
	require.NoError(t, p.Submit("after", func(context.Context) error {
		after.Store(true)
		return nil
	}))
	p.Wait()
	require.True(t, after.Load())
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	p, err := NewPool(1, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, p.Submit("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.True(t, cancelled.Load())

	err = p.Submit("late", func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}
