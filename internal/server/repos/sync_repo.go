package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/server/migrations"
	"tasksync/internal/sqlitex"
	"tasksync/internal/wire"
)

var ErrNotFound = errors.New("not found")

type StoredTask struct {
	Namespace   string
	SyncID      string
	EffectiveAt time.Time
	Task        wire.WireTask
	UpdatedAt   time.Time
}

type SyncEvent struct {
	ID          int64     `json:"id"`
	Namespace   string    `json:"-"`
	SyncID      string    `json:"syncId"`
	DeviceID    string    `json:"deviceId"`
	Type        string    `json:"type"`
	EffectiveAt time.Time `json:"effectiveAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Device struct {
	DeviceID    string    `json:"deviceId"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastPushAt  time.Time `json:"lastPushAt"`
}

type ConflictRecord struct {
	ID        int64
	Namespace string
	DeviceID  string
	SyncID    string
	Payload   json.RawMessage
	CreatedAt time.Time
}

type SyncRepo struct {
	db *sql.DB
}

func NewSyncRepo(db *sql.DB) *SyncRepo {
	return &SyncRepo{db: db}
}

// Open opens the database at url and applies the embedded schema.
func Open(ctx context.Context, url string) (*SyncRepo, error) {
	db, err := sqlitex.Open(url)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSyncRepo(db), nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	if err := sqlitex.Migrate(ctx, db, migrations.Files); err != nil {
		return fmt.Errorf("migrate sync store: %w", err)
	}
	return nil
}

func (r *SyncRepo) DB() *sql.DB {
	return r.db
}

func (r *SyncRepo) Close() error {
	return r.db.Close()
}

func (r *SyncRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *SyncRepo) GetTaskTx(ctx context.Context, tx *sql.Tx, namespace, syncID string) (*StoredTask, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT namespace, sync_id, effective_at, payload, updated_at
		FROM sync_tasks WHERE namespace = ? AND sync_id = ?
	`, namespace, syncID)
	return scanTask(row)
}

func (r *SyncRepo) UpsertTaskTx(ctx context.Context, tx *sql.Tx, t *StoredTask) error {
	payload, err := json.Marshal(t.Task)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_tasks (namespace, sync_id, effective_at, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, sync_id) DO UPDATE SET
			effective_at = excluded.effective_at,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, t.Namespace, t.SyncID, t.EffectiveAt.UnixNano(), string(payload), t.UpdatedAt.UnixNano())
	return err
}

func (r *SyncRepo) InsertEventTx(ctx context.Context, tx *sql.Tx, evt *SyncEvent) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_events (namespace, sync_id, device_id, event_type, effective_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.Namespace, evt.SyncID, evt.DeviceID, evt.Type, evt.EffectiveAt.UnixNano(), evt.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		evt.ID = id
	}
	return nil
}

func (r *SyncRepo) TouchDeviceTx(ctx context.Context, tx *sql.Tx, namespace, deviceID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_devices (namespace, device_id, first_seen_at, last_push_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, device_id) DO UPDATE SET last_push_at = excluded.last_push_at
	`, namespace, deviceID, at.UnixNano(), at.UnixNano())
	return err
}

// ListTasksSince returns records whose effective timestamp is strictly after
// since, oldest first. A zero since returns everything.
func (r *SyncRepo) ListTasksSince(ctx context.Context, namespace string, since time.Time, hasSince bool) ([]StoredTask, error) {
	q := `SELECT namespace, sync_id, effective_at, payload, updated_at FROM sync_tasks WHERE namespace = ?`
	args := []any{namespace}
	if hasSince {
		q += ` AND effective_at > ?`
		args = append(args, since.UnixNano())
	}
	q += ` ORDER BY effective_at ASC, sync_id ASC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *SyncRepo) ListEvents(ctx context.Context, namespace string, afterID int64, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, namespace, sync_id, device_id, event_type, effective_at, created_at
		FROM sync_events
		WHERE namespace = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, namespace, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]SyncEvent, 0, limit)
	for rows.Next() {
		var (
			e                    SyncEvent
			effective, createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Namespace, &e.SyncID, &e.DeviceID, &e.Type, &effective, &createdAt); err != nil {
			return nil, err
		}
		e.EffectiveAt = fromNanos(effective)
		e.CreatedAt = fromNanos(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *SyncRepo) ListDevices(ctx context.Context, namespace string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, first_seen_at, last_push_at
		FROM sync_devices WHERE namespace = ?
		ORDER BY last_push_at DESC, device_id ASC
	`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var (
			d           Device
			first, last int64
		)
		if err := rows.Scan(&d.DeviceID, &first, &last); err != nil {
			return nil, err
		}
		d.FirstSeenAt = fromNanos(first)
		d.LastPushAt = fromNanos(last)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SyncRepo) InsertConflict(ctx context.Context, c *ConflictRecord) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (namespace, device_id, sync_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.Namespace, c.DeviceID, c.SyncID, string(c.Payload), c.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

func (r *SyncRepo) CountConflicts(ctx context.Context, namespace string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sync_conflicts WHERE namespace = ?`, namespace).Scan(&n)
	return n, err
}

func scanTask(row interface{ Scan(dest ...any) error }) (*StoredTask, error) {
	var (
		t                    StoredTask
		effective, updatedAt int64
		payload              string
	)
	if err := row.Scan(&t.Namespace, &t.SyncID, &effective, &payload, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &t.Task); err != nil {
		return nil, fmt.Errorf("stored task %s/%s: %w", t.Namespace, t.SyncID, err)
	}
	t.EffectiveAt = fromNanos(effective)
	t.UpdatedAt = fromNanos(updatedAt)
	return &t, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
