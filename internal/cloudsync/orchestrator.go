package cloudsync

import (
	"context"
	"sync"
	"time"

	"tasksync/internal/logging"
	"tasksync/internal/models"
)

// PassRunner executes one push-then-pull pass and returns the cursor it stored.
type PassRunner interface {
	RunPass(ctx context.Context) (time.Time, error)
}

type Options struct {
	// Enabled is fixed for the lifetime of the orchestrator.
	Enabled bool
	// Offline starts the orchestrator with connectivity known absent.
	Offline bool
	// Interval of the periodic trigger; zero disables it.
	Interval   time.Duration
	LastSyncAt models.Optional[time.Time]
	Logger     *logging.Logger
}

type eventKind int

const (
	eventTrigger eventKind = iota
	eventConnectivity
)

type event struct {
	kind    eventKind
	trigger Trigger
	online  bool
	done    chan error
}

type passResult struct {
	at  time.Time
	err error
}

// Orchestrator decides when passes run. Every trigger is a message to a single
// loop goroutine; that goroutine alone owns the syncing flag, so two passes
// can never overlap.
type Orchestrator struct {
	runner   PassRunner
	enabled  bool
	interval time.Duration
	log      *logging.Logger

	events  chan event
	results chan passResult
	done    chan struct{}
	passWG  sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc

	// owned by the loop goroutine
	online          bool
	syncing         bool
	deferred        bool
	waiters         []chan error
	deferredWaiters []chan error
	ticker          *time.Ticker

	mu      sync.Mutex
	status  Status
	subs    map[int]func(Status)
	nextSub int
}

func NewOrchestrator(runner PassRunner, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	o := &Orchestrator{
		runner:   runner,
		enabled:  opts.Enabled,
		interval: opts.Interval,
		log:      log,
		events:   make(chan event, 64),
		results:  make(chan passResult, 1),
		done:     make(chan struct{}),
		online:   !opts.Offline,
		subs:     make(map[int]func(Status)),
	}
	o.status = Status{State: StateIdle, Enabled: opts.Enabled, LastSyncAt: opts.LastSyncAt}
	if opts.Enabled && opts.Offline {
		o.status.State = StateOffline
	}
	return o
}

func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		ctx, o.cancel = context.WithCancel(ctx)
		go o.loop(ctx)
	})
}

// Stop cancels any in-flight pass and waits for it to return.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel == nil {
			return
		}
		o.cancel()
		<-o.done
		o.passWG.Wait()
	})
}

// Schedule asks for a pass without waiting for it.
func (o *Orchestrator) Schedule(t Trigger) {
	if !o.enabled {
		o.log.Debugf("sync %s skipped: %v", t, ErrSyncDisabled)
		return
	}
	select {
	case o.events <- event{kind: eventTrigger, trigger: t}:
	default:
		// a full queue already guarantees another pass
		o.log.Debugf("sync trigger %s dropped, queue full", t)
	}
}

// RequestSync asks for a pass and waits until the pass serving the request has
// settled. Disabled and offline requests return nil without any network call.
func (o *Orchestrator) RequestSync(ctx context.Context) error {
	if !o.enabled {
		o.log.Debugf("sync %s skipped: %v", TriggerExplicit, ErrSyncDisabled)
		return nil
	}
	done := make(chan error, 1)
	select {
	case o.events <- event{kind: eventTrigger, trigger: TriggerExplicit, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

func (o *Orchestrator) SetOnline(online bool) {
	if !o.enabled {
		return
	}
	select {
	case o.events <- event{kind: eventConnectivity, online: online}:
	case <-o.done:
	}
}

// Visible reports that the host application came to the foreground.
func (o *Orchestrator) Visible() {
	o.Schedule(TriggerVisible)
}

func (o *Orchestrator) Enabled() bool {
	return o.enabled
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Subscribe calls fn with the current status right away and again on every
// transition. Callbacks run on the orchestrator goroutine and must not block;
// subscribing or unsubscribing from inside one is fine.
func (o *Orchestrator) Subscribe(fn func(Status)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	snap := o.status
	o.mu.Unlock()

	fn(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	if o.enabled {
		o.startTicker()
	}
	defer o.stopTicker()

	for {
		if ctx.Err() != nil {
			o.shutdown()
			return
		}
		var tick <-chan time.Time
		if o.ticker != nil {
			tick = o.ticker.C
		}
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case ev := <-o.events:
			o.handle(ctx, ev)
		case <-tick:
			o.trigger(ctx, TriggerTimer, nil)
		case res := <-o.results:
			if ctx.Err() != nil {
				o.shutdown()
				return
			}
			o.settle(ctx, res)
		}
	}
}

// shutdown releases every caller still waiting, including those whose
// requests were queued but never handled.
func (o *Orchestrator) shutdown() {
	o.reply(o.waiters, ErrStopped)
	o.reply(o.deferredWaiters, ErrStopped)
	o.waiters, o.deferredWaiters = nil, nil
	for {
		select {
		case ev := <-o.events:
			if ev.done != nil {
				ev.done <- ErrStopped
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventConnectivity:
		wasOnline := o.online
		o.online = ev.online
		switch {
		case !ev.online:
			o.log.Infof("connectivity lost")
			o.setState(StateOffline, nil)
		case !wasOnline:
			o.log.Infof("connectivity restored")
			if !o.syncing {
				o.setState(StateIdle, nil)
			}
			o.trigger(ctx, TriggerConnectivity, nil)
		}
	case eventTrigger:
		o.trigger(ctx, ev.trigger, ev.done)
	}
}

func (o *Orchestrator) trigger(ctx context.Context, t Trigger, done chan error) {
	if !o.online {
		o.log.Debugf("sync %s skipped: %v", t, ErrOffline)
		if o.Status().State != StateOffline {
			o.setState(StateOffline, nil)
		}
		o.reply([]chan error{done}, nil)
		return
	}
	if o.syncing {
		o.deferred = true
		if done != nil {
			o.deferredWaiters = append(o.deferredWaiters, done)
		}
		return
	}
	var waiters []chan error
	if done != nil {
		waiters = []chan error{done}
	}
	o.startPass(ctx, t, waiters)
}

func (o *Orchestrator) startPass(ctx context.Context, t Trigger, waiters []chan error) {
	o.syncing = true
	o.waiters = waiters
	o.setState(StateSyncing, nil)
	o.log.Debugf("sync pass started (%s)", t)

	o.passWG.Add(1)
	go func() {
		defer o.passWG.Done()
		at, err := o.runner.RunPass(ctx)
		o.results <- passResult{at: at, err: err}
	}()
}

func (o *Orchestrator) settle(ctx context.Context, res passResult) {
	o.syncing = false
	waiters := o.waiters
	o.waiters = nil

	if res.err != nil {
		o.log.Warnf("sync pass failed: %v", res.err)
		// no automatic retry: drop the deferred pass and the timer
		o.stopTicker()
		deferred := o.deferredWaiters
		o.deferred, o.deferredWaiters = false, nil

		state := StateError
		if !o.online {
			state = StateOffline
		}
		o.setState(state, func(s *Status) { s.LastError = res.err.Error() })
		o.reply(waiters, res.err)
		o.reply(deferred, res.err)
		return
	}

	o.log.Debugf("sync pass finished")
	o.startTicker()
	state := StateIdle
	if !o.online {
		state = StateOffline
	}
	o.setState(state, func(s *Status) {
		s.LastSyncAt = models.Some(res.at)
		s.LastError = ""
	})
	o.reply(waiters, nil)

	if !o.deferred {
		return
	}
	deferred := o.deferredWaiters
	o.deferred, o.deferredWaiters = false, nil
	if !o.online {
		o.reply(deferred, nil)
		return
	}
	o.startPass(ctx, triggerDeferred, deferred)
}

func (o *Orchestrator) reply(waiters []chan error, err error) {
	for _, w := range waiters {
		if w != nil {
			w <- err
		}
	}
}

func (o *Orchestrator) startTicker() {
	if o.ticker != nil || o.interval <= 0 {
		return
	}
	o.ticker = time.NewTicker(o.interval)
}

func (o *Orchestrator) stopTicker() {
	if o.ticker == nil {
		return
	}
	o.ticker.Stop()
	o.ticker = nil
}

func (o *Orchestrator) setState(state State, mutate func(*Status)) {
	o.mu.Lock()
	o.status.State = state
	if mutate != nil {
		mutate(&o.status)
	}
	snap := o.status
	fns := make([]func(Status), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
