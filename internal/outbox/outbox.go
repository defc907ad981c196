// Package outbox records local changes that have not been accepted by the
// remote yet. At most one entry exists per task; a newer change to the same
// task replaces the older one.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tasksync/internal/models"
	"tasksync/internal/store"
	"tasksync/internal/wire"
)

type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
)

var ErrOutboxPersistence = errors.New("outbox persistence failure")

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("outbox %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrOutboxPersistence }

type Entry struct {
	Seq        int64
	Type       ChangeType
	TaskSyncID string
	Payload    wire.WireTask
	EnqueuedAt time.Time
}

type Store interface {
	ReplaceOutboxEntry(ctx context.Context, row store.OutboxRow) (int64, error)
	ListOutbox(ctx context.Context) ([]store.OutboxRow, error)
	DeleteOutboxThrough(ctx context.Context, seq int64) error
	ClearOutbox(ctx context.Context) error
	CountOutbox(ctx context.Context) (int, error)
}

type Outbox struct {
	store Store
	now   func() time.Time

	mu     sync.RWMutex
	notify func()
}

func New(s Store) *Outbox {
	return &Outbox{store: s, now: time.Now}
}

// SetNotifier registers fn to be called after every successful enqueue. fn
// must not block.
func (o *Outbox) SetNotifier(fn func()) {
	o.mu.Lock()
	o.notify = fn
	o.mu.Unlock()
}

func (o *Outbox) EnqueueUpsert(ctx context.Context, t models.Task) error {
	return o.enqueue(ctx, ChangeUpsert, t)
}

func (o *Outbox) EnqueueDelete(ctx context.Context, t models.Task) error {
	return o.enqueue(ctx, ChangeDelete, t)
}

func (o *Outbox) enqueue(ctx context.Context, typ ChangeType, t models.Task) error {
	payload, err := json.Marshal(wire.Encode(t))
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	_, err = o.store.ReplaceOutboxEntry(ctx, store.OutboxRow{
		ChangeType: string(typ),
		TaskSyncID: t.SyncID,
		Payload:    string(payload),
		EnqueuedAt: o.now(),
	})
	if err != nil {
		return &PersistenceError{Op: "enqueue", Err: err}
	}

	o.mu.RLock()
	fn := o.notify
	o.mu.RUnlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Drain returns every pending entry, oldest first. Nothing is removed.
func (o *Outbox) Drain(ctx context.Context) ([]Entry, error) {
	rows, err := o.store.ListOutbox(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "drain", Err: err}
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		var w wire.WireTask
		if err := json.Unmarshal([]byte(r.Payload), &w); err != nil {
			return nil, &PersistenceError{Op: "drain", Err: fmt.Errorf("entry %d: %w", r.Seq, err)}
		}
		out = append(out, Entry{
			Seq:        r.Seq,
			Type:       ChangeType(r.ChangeType),
			TaskSyncID: r.TaskSyncID,
			Payload:    w,
			EnqueuedAt: r.EnqueuedAt,
		})
	}
	return out, nil
}

// Acknowledge removes the drained entries along with anything older. Entries
// enqueued after the drain carry a higher seq and are kept.
func (o *Outbox) Acknowledge(ctx context.Context, drained []Entry) error {
	var top int64
	for _, e := range drained {
		if e.Seq > top {
			top = e.Seq
		}
	}
	if top == 0 {
		return nil
	}
	if err := o.store.DeleteOutboxThrough(ctx, top); err != nil {
		return &PersistenceError{Op: "acknowledge", Err: err}
	}
	return nil
}

func (o *Outbox) Clear(ctx context.Context) error {
	if err := o.store.ClearOutbox(ctx); err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	return nil
}

func (o *Outbox) Len(ctx context.Context) (int, error) {
	n, err := o.store.CountOutbox(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "count", Err: err}
	}
	return n, nil
}
