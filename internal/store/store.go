// Package store is the device-local SQLite record store: the tasks table, the
// outbox table and a small key/value table for cursors and identity.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"tasksync/internal/models"
	"tasksync/internal/sqlitex"
	"tasksync/internal/wire"
)

var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationFiles embed.FS

type DB struct {
	db   *sql.DB
	path string
}

// Open opens (and migrates) the store at path. Use sqlitex.MemoryPath in tests.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sqlitex.Open(path)
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := sqlitex.Migrate(ctx, conn, sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}
	return &DB{db: conn, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const taskColumns = `local_id, sync_id, device_id, title, description, status, section, sort_order,
	original_section, created_at, updated_at, due_date, deleted_at, last_synced_at`

func (d *DB) InsertTask(ctx context.Context, t *models.Task) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO tasks (sync_id, device_id, title, description, status, section, sort_order,
			original_section, created_at, updated_at, due_date, deleted_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskArgs(*t)...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.LocalID = id
	return id, nil
}

// UpdateTask overwrites every column of the row identified by t.LocalID.
func (d *DB) UpdateTask(ctx context.Context, t models.Task) error {
	args := append(taskArgs(t), t.LocalID)
	res, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET sync_id = ?, device_id = ?, title = ?, description = ?, status = ?,
			section = ?, sort_order = ?, original_section = ?, created_at = ?, updated_at = ?,
			due_date = ?, deleted_at = ?, last_synced_at = ?
		WHERE local_id = ?
	`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) GetTask(ctx context.Context, localID int64) (models.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE local_id = ?`, localID)
	return scanTask(row)
}

func (d *DB) GetTaskBySyncID(ctx context.Context, syncID string) (models.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE sync_id = ?`, syncID)
	return scanTask(row)
}

type TaskFilter struct {
	Section        models.Section
	IncludeDeleted bool
}

// ListTasks returns tasks ordered by section then order.
func (d *DB) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Section != "" {
		where = append(where, "section = ?")
		args = append(args, string(f.Section))
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY section ASC, sort_order ASC, local_id ASC"

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MaxOrder reports the highest order in section, or false when the section is empty.
func (d *DB) MaxOrder(ctx context.Context, section models.Section) (int, bool, error) {
	var v sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT MAX(sort_order) FROM tasks WHERE section = ?`, string(section)).Scan(&v)
	if err != nil {
		return 0, false, err
	}
	return int(v.Int64), v.Valid, nil
}

// MarkSynced stamps last_synced_at on every task whose sync id is listed.
func (d *DB) MarkSynced(ctx context.Context, syncIDs []string, at time.Time) error {
	if len(syncIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(syncIDs)), ",")
	args := make([]any, 0, len(syncIDs)+1)
	args = append(args, wire.FormatTime(at))
	for _, id := range syncIDs {
		args = append(args, id)
	}
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET last_synced_at = ? WHERE sync_id IN (`+placeholders+`)`, args...)
	return err
}

func taskArgs(t models.Task) []any {
	var origSection any
	if s, ok := t.OriginalSection.Get(); ok {
		origSection = string(s)
	}
	return []any{
		t.SyncID,
		t.DeviceID,
		t.Title,
		nullString(t.Description),
		string(t.Status),
		string(t.Section),
		t.Order,
		origSection,
		wire.FormatTime(t.CreatedAt),
		wire.FormatTime(t.UpdatedAt),
		nullTime(t.DueDate),
		nullTime(t.DeletedAt),
		nullTime(t.LastSyncedAt),
	}
}

func scanTask(row interface{ Scan(dest ...any) error }) (models.Task, error) {
	var (
		t                                models.Task
		status, section                  string
		description, origSection         sql.NullString
		createdAt, updatedAt             string
		dueDate, deletedAt, lastSyncedAt sql.NullString
	)
	err := row.Scan(&t.LocalID, &t.SyncID, &t.DeviceID, &t.Title, &description, &status, &section, &t.Order,
		&origSection, &createdAt, &updatedAt, &dueDate, &deletedAt, &lastSyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, ErrNotFound
		}
		return models.Task{}, err
	}
	t.Status = models.Status(status)
	t.Section = models.Section(section)
	if description.Valid {
		t.Description = models.Some(description.String)
	}
	if origSection.Valid {
		t.OriginalSection = models.Some(models.Section(origSection.String))
	}
	if t.CreatedAt, err = wire.ParseTime(createdAt); err != nil {
		return models.Task{}, fmt.Errorf("task %s created_at: %w", t.SyncID, err)
	}
	if t.UpdatedAt, err = wire.ParseTime(updatedAt); err != nil {
		return models.Task{}, fmt.Errorf("task %s updated_at: %w", t.SyncID, err)
	}
	for _, c := range []struct {
		src sql.NullString
		dst *models.Optional[time.Time]
	}{
		{dueDate, &t.DueDate},
		{deletedAt, &t.DeletedAt},
		{lastSyncedAt, &t.LastSyncedAt},
	} {
		if !c.src.Valid {
			continue
		}
		v, err := wire.ParseTime(c.src.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("task %s: %w", t.SyncID, err)
		}
		*c.dst = models.Some(v)
	}
	return t, nil
}

func nullString(o models.Optional[string]) any {
	if v, ok := o.Get(); ok {
		return v
	}
	return nil
}

func nullTime(o models.Optional[time.Time]) any {
	if v, ok := o.Get(); ok {
		return wire.FormatTime(v)
	}
	return nil
}
