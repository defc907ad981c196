// Package services holds the authoritative task store. Each namespace is owned
// by one actor goroutine; every read-modify-write for that namespace runs on
// it, one request at a time.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tasksync/internal/conflict"
	"tasksync/internal/logging"
	"tasksync/internal/models"
	"tasksync/internal/server/metrics"
	"tasksync/internal/server/repos"
	"tasksync/internal/wire"
)

const DefaultNamespace = "primary"

const (
	ChangeUpsert = "upsert"
	ChangeDelete = "delete"
)

var ErrClosed = errors.New("sync service closed")

// InvalidChangeError is returned for a push containing a change that cannot be
// applied. Nothing from that push is stored.
type InvalidChangeError struct {
	Index  int
	SyncID string
	Err    error
}

func (e *InvalidChangeError) Error() string {
	return fmt.Sprintf("change %d (%s): %v", e.Index, e.SyncID, e.Err)
}

func (e *InvalidChangeError) Unwrap() error { return e.Err }

type Change struct {
	Type string        `json:"type" binding:"required,oneof=upsert delete"`
	Task wire.WireTask `json:"task" binding:"required"`
}

type ConflictReport struct {
	DeviceID string          `json:"deviceId"`
	SyncID   string          `json:"syncId"`
	Raw      json.RawMessage `json:"-"`
}

// ChangeNotifier is told about every push that stored at least one change.
type ChangeNotifier interface {
	NotifyChanged(namespace, deviceID string, applied int, at time.Time)
}

type Options struct {
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Notifier ChangeNotifier
	Now      func() time.Time
}

type SyncService struct {
	repo     *repos.SyncRepo
	log      *logging.Logger
	metrics  *metrics.Metrics
	notifier ChangeNotifier
	now      func() time.Time

	mu     sync.Mutex
	actors map[string]*namespaceActor
	closed bool
	wg     sync.WaitGroup
}

func NewSyncService(repo *repos.SyncRepo, opts Options) *SyncService {
	s := &SyncService{
		repo:     repo,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      opts.Now,
		actors:   make(map[string]*namespaceActor),
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// ApplyPush stores every change that is new or newer than the stored copy and
// returns how many were stored. Replaying the same push stores nothing.
func (s *SyncService) ApplyPush(ctx context.Context, namespace, deviceID string, changes []Change) (int, error) {
	namespace = NormalizeNamespace(namespace)
	started := time.Now()

	var applied, skipped int
	err := s.submit(ctx, namespace, func() error {
		now := s.now()
		applied, skipped = 0, 0
		return s.repo.WithTx(ctx, func(tx *sql.Tx) error {
			for i, ch := range changes {
				incoming, err := s.prepare(ch, now)
				if err != nil {
					return &InvalidChangeError{Index: i, SyncID: ch.Task.SyncID, Err: err}
				}
				ok, err := s.applyOne(ctx, tx, namespace, deviceID, ch.Type, incoming, now)
				if err != nil {
					return err
				}
				if ok {
					applied++
				} else {
					skipped++
				}
			}
			if strings.TrimSpace(deviceID) != "" {
				return s.repo.TouchDeviceTx(ctx, tx, namespace, deviceID, now)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	s.metrics.ObservePush(namespace, applied, skipped, time.Since(started))
	s.log.Debugf("push ns=%s device=%s changes=%d applied=%d", namespace, deviceID, len(changes), applied)
	if applied > 0 && s.notifier != nil {
		s.notifier.NotifyChanged(namespace, deviceID, applied, s.now())
	}
	return applied, nil
}

// prepare decodes a change and stamps deletes that arrive without a tombstone.
func (s *SyncService) prepare(ch Change, now time.Time) (models.Task, error) {
	if ch.Type != ChangeUpsert && ch.Type != ChangeDelete {
		return models.Task{}, fmt.Errorf("unknown change type %q", ch.Type)
	}
	t, err := wire.Decode(ch.Task)
	if err != nil {
		return models.Task{}, err
	}
	if ch.Type == ChangeDelete && !t.DeletedAt.IsSet() {
		t.DeletedAt = models.Some(now)
		t.UpdatedAt = now
	}
	return t, nil
}

func (s *SyncService) applyOne(ctx context.Context, tx *sql.Tx, namespace, deviceID, changeType string, incoming models.Task, now time.Time) (bool, error) {
	existing, err := s.repo.GetTaskTx(ctx, tx, namespace, incoming.SyncID)
	switch {
	case errors.Is(err, repos.ErrNotFound):
	case err != nil:
		return false, err
	default:
		current, err := wire.Decode(existing.Task)
		if err != nil {
			return false, fmt.Errorf("stored task %s: %w", incoming.SyncID, err)
		}
		if !conflict.IsRemoteNewer(incoming, current) {
			return false, nil
		}
	}

	effective := conflict.EffectiveTimestamp(incoming)
	if err := s.repo.UpsertTaskTx(ctx, tx, &repos.StoredTask{
		Namespace:   namespace,
		SyncID:      incoming.SyncID,
		EffectiveAt: effective,
		Task:        wire.Encode(incoming),
		UpdatedAt:   now,
	}); err != nil {
		return false, err
	}
	evt := &repos.SyncEvent{
		Namespace:   namespace,
		SyncID:      incoming.SyncID,
		DeviceID:    deviceID,
		Type:        changeType,
		EffectiveAt: effective,
		CreatedAt:   now,
	}
	if err := s.repo.InsertEventTx(ctx, tx, evt); err != nil {
		return false, err
	}
	return true, nil
}

// QueryPull returns every record whose effective timestamp is strictly after
// since (all records when since is absent), oldest first.
func (s *SyncService) QueryPull(ctx context.Context, namespace string, since models.Optional[time.Time]) ([]wire.WireTask, error) {
	namespace = NormalizeNamespace(namespace)
	var out []wire.WireTask
	err := s.submit(ctx, namespace, func() error {
		at, ok := since.Get()
		rows, err := s.repo.ListTasksSince(ctx, namespace, at, ok)
		if err != nil {
			return err
		}
		out = make([]wire.WireTask, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.Task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObservePull(namespace, len(out))
	return out, nil
}

func (s *SyncService) ReportConflict(ctx context.Context, namespace string, report ConflictReport) error {
	namespace = NormalizeNamespace(namespace)
	raw := report.Raw
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	rec := &repos.ConflictRecord{
		Namespace: namespace,
		DeviceID:  report.DeviceID,
		SyncID:    report.SyncID,
		Payload:   raw,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertConflict(ctx, rec); err != nil {
		return err
	}
	s.metrics.ObserveConflict(namespace)
	s.log.Infof("conflict reported ns=%s device=%s task=%s", namespace, report.DeviceID, report.SyncID)
	return nil
}

func (s *SyncService) Devices(ctx context.Context, namespace string) ([]repos.Device, error) {
	return s.repo.ListDevices(ctx, NormalizeNamespace(namespace))
}

// Log returns audit entries with an id greater than afterID.
func (s *SyncService) Log(ctx context.Context, namespace string, afterID int64, limit int) ([]repos.SyncEvent, error) {
	return s.repo.ListEvents(ctx, NormalizeNamespace(namespace), afterID, limit)
}

// Close stops every actor after it finishes the request it is running.
func (s *SyncService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, a := range s.actors {
		close(a.quit)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func NormalizeNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}

func (s *SyncService) submit(ctx context.Context, namespace string, fn func() error) error {
	a, err := s.actor(namespace)
	if err != nil {
		return err
	}
	req := actorRequest{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case a.requests <- req:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SyncService) actor(namespace string) (*namespaceActor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if a, ok := s.actors[namespace]; ok {
		return a, nil
	}
	a := &namespaceActor{
		namespace: namespace,
		requests:  make(chan actorRequest),
		quit:      make(chan struct{}),
	}
	s.actors[namespace] = a
	s.metrics.SetNamespaces(len(s.actors))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		a.run()
	}()
	return a, nil
}

type actorRequest struct {
	ctx   context.Context
	fn    func() error
	reply chan error
}

type namespaceActor struct {
	namespace string
	requests  chan actorRequest
	quit      chan struct{}
}

func (a *namespaceActor) run() {
	for {
		select {
		case <-a.quit:
			return
		case req := <-a.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- err
				continue
			}
			req.reply <- req.fn()
		}
	}
}
