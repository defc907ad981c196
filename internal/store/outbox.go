package store

import (
	"context"
	"database/sql"
	"time"
)

// OutboxRow is the persisted form of a pending change. Payload is the JSON
// wire encoding of the task at enqueue time.
type OutboxRow struct {
	Seq        int64
	ChangeType string
	TaskSyncID string
	Payload    string
	EnqueuedAt time.Time
}

// ReplaceOutboxEntry drops any pending entry for the same task and inserts row,
// returning its new sequence number.
func (d *DB) ReplaceOutboxEntry(ctx context.Context, row OutboxRow) (int64, error) {
	var seq int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE task_sync_id = ?`, row.TaskSyncID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (change_type, task_sync_id, payload, enqueued_at)
			VALUES (?, ?, ?, ?)
		`, row.ChangeType, row.TaskSyncID, row.Payload, row.EnqueuedAt.UnixNano())
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	return seq, err
}

// ListOutbox returns pending entries oldest first.
func (d *DB) ListOutbox(ctx context.Context) ([]OutboxRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, change_type, task_sync_id, payload, enqueued_at
		FROM outbox
		ORDER BY enqueued_at ASC, seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var (
			r  OutboxRow
			ns int64
		)
		if err := rows.Scan(&r.Seq, &r.ChangeType, &r.TaskSyncID, &r.Payload, &ns); err != nil {
			return nil, err
		}
		r.EnqueuedAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOutboxThrough removes entries with seq <= seq. Entries enqueued after
// a drain get a higher seq and survive.
func (d *DB) DeleteOutboxThrough(ctx context.Context, seq int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq <= ?`, seq)
	return err
}

func (d *DB) ClearOutbox(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM outbox`)
	return err
}

func (d *DB) CountOutbox(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM outbox`).Scan(&n)
	return n, err
}
