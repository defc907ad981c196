package cloudsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/internal/logging"
)

type gatedRunner struct {
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	started chan struct{}
	release chan struct{}

	mu  sync.Mutex
	err error
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (r *gatedRunner) RunPass(ctx context.Context) (time.Time, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now(), r.err
}

func (r *gatedRunner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// instantRunner never blocks.
type instantRunner struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

func (r *instantRunner) RunPass(context.Context) (time.Time, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now(), r.err
}

func (r *instantRunner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func startOrchestrator(t *testing.T, runner PassRunner, opts Options) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(runner, opts)
	o.Start(context.Background())
	t.Cleanup(o.Stop)
	return o
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Status().State == want }, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerDuringSyncIsCoalesced(t *testing.T) {
	r := newGatedRunner()
	o := startOrchestrator(t, r, Options{Enabled: true})

	o.Schedule(TriggerExplicit)
	<-r.started
	assert.Equal(t, StateSyncing, o.Status().State)

	o.Schedule(TriggerTimer)
	o.Schedule(TriggerVisible)
	o.Schedule(TriggerLocalChange)
	require.Eventually(t, func() bool { return len(o.events) == 0 }, time.Second, time.Millisecond)

	r.release <- struct{}{}
	// exactly one deferred pass follows
	<-r.started
	r.release <- struct{}{}

	waitForState(t, o, StateIdle)
	assert.Never(t, func() bool { return r.calls.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int32(2), r.calls.Load())
	assert.Equal(t, int32(1), r.peak.Load())
}

func TestRequestSyncWaitsForPass(t *testing.T) {
	r := &instantRunner{}
	o := startOrchestrator(t, r, Options{Enabled: true})

	require.NoError(t, o.RequestSync(context.Background()))
	assert.Equal(t, int32(1), r.calls.Load())
	st := o.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.LastSyncAt.IsSet())

	r.setErr(errors.New("remote exploded"))
	err := o.RequestSync(context.Background())
	require.Error(t, err)
	st = o.Status()
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, "remote exploded", st.LastError)
}

func TestDisabledNeverRuns(t *testing.T) {
	r := &instantRunner{}
	o := startOrchestrator(t, r, Options{Enabled: false, Interval: 10 * time.Millisecond})

	require.NoError(t, o.RequestSync(context.Background()))
	o.Schedule(TriggerVisible)
	o.SetOnline(false)

	assert.Never(t, func() bool { return r.calls.Load() > 0 }, 60*time.Millisecond, 10*time.Millisecond)
	st := o.Status()
	assert.False(t, st.Enabled)
	assert.Equal(t, StateIdle, st.State)
}

func TestDisabledRequestsAreLogged(t *testing.T) {
	log, logs := logging.NewObserved("debug")
	o := startOrchestrator(t, &instantRunner{}, Options{Enabled: false, Logger: log})

	require.NoError(t, o.RequestSync(context.Background()))
	o.Visible()

	skipped := logs.FilterMessageSnippet(ErrSyncDisabled.Error())
	require.Equal(t, 2, skipped.Len())
	assert.Contains(t, skipped.All()[0].Message, string(TriggerExplicit))
	assert.Contains(t, skipped.All()[1].Message, string(TriggerVisible))
}

func TestOfflineSkipsPass(t *testing.T) {
	r := &instantRunner{}
	o := startOrchestrator(t, r, Options{Enabled: true})

	o.SetOnline(false)
	require.NoError(t, o.RequestSync(context.Background()))
	assert.Zero(t, r.calls.Load())
	assert.Equal(t, StateOffline, o.Status().State)
}

func TestStartsOfflineWhenToldSo(t *testing.T) {
	r := &instantRunner{}
	o := startOrchestrator(t, r, Options{Enabled: true, Offline: true})
	assert.Equal(t, StateOffline, o.Status().State)

	o.SetOnline(true)
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	waitForState(t, o, StateIdle)
}

func TestErrorStopsTimerUntilNextSuccess(t *testing.T) {
	r := &instantRunner{}
	r.setErr(errors.New("unauthorized"))
	o := startOrchestrator(t, r, Options{Enabled: true, Interval: 15 * time.Millisecond})

	// the first tick fails and stops the timer
	waitForState(t, o, StateError)
	calls := r.calls.Load()
	assert.Never(t, func() bool { return r.calls.Load() > calls }, 100*time.Millisecond, 5*time.Millisecond)

	r.setErr(nil)
	require.NoError(t, o.RequestSync(context.Background()))
	assert.Equal(t, StateIdle, o.Status().State)

	after := r.calls.Load()
	require.Eventually(t, func() bool { return r.calls.Load() > after+1 }, time.Second, 5*time.Millisecond)
}

func TestFailedPassDropsDeferredTrigger(t *testing.T) {
	r := newGatedRunner()
	r.setErr(errors.New("boom"))
	o := startOrchestrator(t, r, Options{Enabled: true})

	o.Schedule(TriggerExplicit)
	<-r.started
	o.Schedule(TriggerExplicit)
	require.Eventually(t, func() bool { return len(o.events) == 0 }, time.Second, time.Millisecond)
	r.release <- struct{}{}

	waitForState(t, o, StateError)
	assert.Never(t, func() bool { return len(r.started) > 0 }, 60*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestSubscribeDeliversSnapshotAndTransitions(t *testing.T) {
	r := &instantRunner{}
	o := startOrchestrator(t, r, Options{Enabled: true})

	var (
		mu     sync.Mutex
		states []State
	)
	unsubscribe := o.Subscribe(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	defer unsubscribe()

	mu.Lock()
	require.Len(t, states, 1, "current snapshot is delivered on subscribe")
	assert.Equal(t, StateIdle, states[0])
	mu.Unlock()

	require.NoError(t, o.RequestSync(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateIdle, StateSyncing, StateIdle}, states)
}

func TestUnsubscribeFromCallback(t *testing.T) {
	r := &instantRunner{}
	o := startOrchestrator(t, r, Options{Enabled: true})

	var calls atomic.Int32
	var unsubscribe func()
	var ready sync.WaitGroup
	ready.Add(1)
	unsubscribe = o.Subscribe(func(s Status) {
		if calls.Add(1) == 1 {
			return
		}
		ready.Wait()
		unsubscribe()
	})
	ready.Done()

	require.NoError(t, o.RequestSync(context.Background()))
	require.NoError(t, o.RequestSync(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestStopReleasesWaiters(t *testing.T) {
	r := newGatedRunner()
	o := NewOrchestrator(r, Options{Enabled: true})
	o.Start(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- o.RequestSync(context.Background()) }()
	<-r.started

	o.Stop()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("RequestSync did not return after Stop")
	}
}
