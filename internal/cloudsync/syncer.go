package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/conflict"
	"tasksync/internal/logging"
	"tasksync/internal/models"
	"tasksync/internal/outbox"
	"tasksync/internal/store"
	"tasksync/internal/wire"
)

// Remote is the server side of a pass.
type Remote interface {
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
	Pull(ctx context.Context, since models.Optional[time.Time]) (*PullResponse, error)
}

// LocalStore is the subset of the device store a pass touches.
type LocalStore interface {
	GetTaskBySyncID(ctx context.Context, syncID string) (models.Task, error)
	InsertTask(ctx context.Context, t *models.Task) (int64, error)
	UpdateTask(ctx context.Context, t models.Task) error
	MarkSynced(ctx context.Context, syncIDs []string, at time.Time) error
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
}

// ConflictReporter is implemented by remotes that accept reports of local
// edits lost to a newer remote copy.
type ConflictReporter interface {
	ReportConflict(ctx context.Context, report ConflictReport) error
}

type DeviceIdentity interface {
	DeviceID(ctx context.Context) string
}

type PullResult struct {
	Received int
	Inserted int
	Updated  int
	// Overwritten counts updates that replaced unsynced local edits.
	Overwritten int
}

// Syncer performs push and pull against one remote. It holds no scheduling
// state; the Orchestrator guarantees passes never overlap.
type Syncer struct {
	local    LocalStore
	outbox   *outbox.Outbox
	remote   Remote
	identity DeviceIdentity
	log      *logging.Logger
	now      func() time.Time
}

func NewSyncer(local LocalStore, ob *outbox.Outbox, remote Remote, identity DeviceIdentity, log *logging.Logger) *Syncer {
	if log == nil {
		log = logging.Nop()
	}
	return &Syncer{
		local:    local,
		outbox:   ob,
		remote:   remote,
		identity: identity,
		log:      log,
		now:      time.Now,
	}
}

// Push sends every pending change in one request. The outbox is only trimmed
// after the remote accepted the batch.
//
// Pushed tasks are stamped with the time the drain started, so a task edited
// while the request was in flight still reads as unsynced.
func (s *Syncer) Push(ctx context.Context) (int, error) {
	started := s.now()
	entries, err := s.outbox.Drain(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	req := PushRequest{
		DeviceID: s.identity.DeviceID(ctx),
		Changes:  make([]Change, 0, len(entries)),
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		req.Changes = append(req.Changes, Change{Type: string(e.Type), Task: e.Payload})
		ids = append(ids, e.TaskSyncID)
	}

	resp, err := s.remote.Push(ctx, req)
	if err != nil {
		return 0, err
	}

	if err := s.local.MarkSynced(ctx, ids, started); err != nil {
		return 0, fmt.Errorf("stamp pushed tasks: %w", err)
	}
	if err := s.outbox.Acknowledge(ctx, entries); err != nil {
		return 0, err
	}
	s.log.Debugf("pushed %d changes, %d applied", len(entries), resp.Applied)
	return resp.Applied, nil
}

// Pull merges remote records newer than the cursor. A single malformed record
// fails the whole pull before anything is written.
func (s *Syncer) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	since, err := s.LastSyncAt(ctx)
	if err != nil {
		return res, err
	}
	resp, err := s.remote.Pull(ctx, since)
	if err != nil {
		return res, err
	}
	res.Received = len(resp.Tasks)

	remote, err := wire.DecodeAll(resp.Tasks)
	if err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}

	now := s.now()
	for _, r := range remote {
		local, err := s.local.GetTaskBySyncID(ctx, r.SyncID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			r.LastSyncedAt = models.Some(now)
			if _, err := s.local.InsertTask(ctx, &r); err != nil {
				return res, fmt.Errorf("insert pulled task %s: %w", r.SyncID, err)
			}
			res.Inserted++
		case err != nil:
			return res, fmt.Errorf("load task %s: %w", r.SyncID, err)
		case conflict.IsRemoteNewer(r, local):
			if unsynced(local) {
				res.Overwritten++
				s.reportConflict(ctx, local, r)
			}
			r.LocalID = local.LocalID
			r.LastSyncedAt = models.Some(now)
			if err := s.local.UpdateTask(ctx, r); err != nil {
				return res, fmt.Errorf("update pulled task %s: %w", r.SyncID, err)
			}
			res.Updated++
		}
	}
	s.log.Debugf("pulled %d records: %d inserted, %d updated", res.Received, res.Inserted, res.Updated)
	return res, nil
}

func unsynced(t models.Task) bool {
	synced, ok := t.LastSyncedAt.Get()
	return !ok || t.EffectiveAt().After(synced)
}

// reportConflict is best effort; a failed report never fails the pull.
func (s *Syncer) reportConflict(ctx context.Context, local, remote models.Task) {
	s.log.Warnf("task %s: local edit replaced by newer remote copy", local.SyncID)
	reporter, ok := s.remote.(ConflictReporter)
	if !ok {
		return
	}
	l, r := wire.Encode(local), wire.Encode(remote)
	err := reporter.ReportConflict(ctx, ConflictReport{
		DeviceID: s.identity.DeviceID(ctx),
		SyncID:   local.SyncID,
		Local:    &l,
		Remote:   &r,
	})
	if err != nil {
		s.log.Debugf("conflict report for %s failed: %v", local.SyncID, err)
	}
}

// RunPass pushes then pulls. The cursor moves to the pass start time only when
// both halves succeed; that start time is returned.
func (s *Syncer) RunPass(ctx context.Context) (time.Time, error) {
	started := s.now()
	if _, err := s.Push(ctx); err != nil {
		return time.Time{}, err
	}
	if _, err := s.Pull(ctx); err != nil {
		return time.Time{}, err
	}
	if err := s.setLastSyncAt(ctx, started); err != nil {
		return time.Time{}, err
	}
	return started, nil
}
