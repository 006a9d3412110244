package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "loading", Loading.String())
	assert.Equal(t, "listening", Listening.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "killed", Killed.String())
}

func TestEnsureReadyRunsConnectOnce(t *testing.T) {
	var runs atomic.Int32
	m := New(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, m.EnsureReady(context.Background()))
	require.NoError(t, m.EnsureReady(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, Ready, m.State())
}

func TestConcurrentCallersShareOneAttempt(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	m := New(func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureReady(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestFailedConnectAllowsRetry(t *testing.T) {
	boom := errors.New("handshake failed")
	var runs atomic.Int32
	m := New(func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, m.EnsureReady(context.Background()), boom)
	assert.Equal(t, Loading, m.State())

	require.NoError(t, m.EnsureReady(context.Background()))
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, int32(2), runs.Load())
}

func TestCallerTimeoutDoesNotAbortAttempt(t *testing.T) {
	release := make(chan struct{})
	m := New(func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.EnsureReady(ctx), context.DeadlineExceeded)

	// The attempt keeps running; a patient caller still gets Ready.
	done := make(chan error, 1)
	go func() { done <- m.EnsureReady(context.Background()) }()
	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, Ready, m.State())
}

func TestAdvanceIsMonotonic(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Advance(Listening))
	assert.Error(t, m.Advance(Loading))
	assert.Error(t, m.Advance(Listening))
	require.NoError(t, m.Advance(Ready))
	assert.Equal(t, Ready, m.State())
}

func TestKill(t *testing.T) {
	m := New(func(ctx context.Context) error { return nil })
	assert.True(t, m.Kill())
	assert.False(t, m.Kill(), "second kill reports no transition")
	assert.Equal(t, Killed, m.State())

	assert.ErrorIs(t, m.EnsureReady(context.Background()), ErrKilled)
	assert.ErrorIs(t, m.Advance(Ready), ErrKilled)
}

func TestKillDuringConnectWins(t *testing.T) {
	release := make(chan struct{})
	m := New(func(ctx context.Context) error {
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- m.EnsureReady(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	m.Kill()
	close(release)

	// The connect returned nil, but Killed is absorbing.
	<-done
	assert.Equal(t, Killed, m.State())
	assert.ErrorIs(t, m.EnsureReady(context.Background()), ErrKilled)
}
