package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
	"tasksync/internal/store"
	"tasksync/internal/wire"
)

const cursorKey = "last-sync-at"

// LastSyncAt is the start time of the last fully successful pass.
func (s *Syncer) LastSyncAt(ctx context.Context) (models.Optional[time.Time], error) {
	v, err := s.local.GetValue(ctx, cursorKey)
	if errors.Is(err, store.ErrNotFound) || (err == nil && v == "") {
		return models.None[time.Time](), nil
	}
	if err != nil {
		return models.None[time.Time](), fmt.Errorf("read sync cursor: %w", err)
	}
	t, err := wire.ParseTime(v)
	if err != nil {
		return models.None[time.Time](), fmt.Errorf("read sync cursor %q: %w", v, err)
	}
	return models.Some(t), nil
}

func (s *Syncer) setLastSyncAt(ctx context.Context, t time.Time) error {
	if err := s.local.SetValue(ctx, cursorKey, wire.FormatTime(t)); err != nil {
		return fmt.Errorf("write sync cursor: %w", err)
	}
	return nil
}
