package cloudsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/internal/identity"
	"tasksync/internal/models"
	"tasksync/internal/outbox"
	"tasksync/internal/sqlitex"
	"tasksync/internal/store"
	"tasksync/internal/wire"
)

type fakeRemote struct {
	mu        sync.Mutex
	pushes    []PushRequest
	pushErr   error
	pullTasks []wire.WireTask
	pullErr   error
	sinces    []models.Optional[time.Time]
	onPush    func()
}

func (f *fakeRemote) Push(_ context.Context, req PushRequest) (*PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if f.onPush != nil {
		f.onPush()
	}
	f.pushes = append(f.pushes, req)
	return &PushResponse{OK: true, Applied: len(req.Changes)}, nil
}

func (f *fakeRemote) Pull(_ context.Context, since models.Optional[time.Time]) (*PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return &PullResponse{Tasks: f.pullTasks}, nil
}

type syncFixture struct {
	db     *store.DB
	outbox *outbox.Outbox
	remote *fakeRemote
	syncer *Syncer
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db, err := store.Open(context.Background(), sqlitex.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob := outbox.New(db)
	remote := &fakeRemote{}
	return &syncFixture{
		db:     db,
		outbox: ob,
		remote: remote,
		syncer: NewSyncer(db, ob, remote, identity.NewProvider(db, nil), nil),
	}
}

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTask(syncID, title string, updated time.Time) models.Task {
	return models.Task{
		SyncID:    syncID,
		DeviceID:  "dev",
		Title:     title,
		Status:    models.StatusTodo,
		Section:   models.SectionToday,
		CreatedAt: t0,
		UpdatedAt: updated,
	}
}

func TestPushCoalescedSendsLatestSnapshotOnly(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	tk := newTask("x", "A", t0)
	_, err := f.db.InsertTask(ctx, &tk)
	require.NoError(t, err)
	require.NoError(t, f.outbox.EnqueueUpsert(ctx, tk))
	tk.Title = "B"
	tk.UpdatedAt = t0.Add(time.Second)
	require.NoError(t, f.db.UpdateTask(ctx, tk))
	require.NoError(t, f.outbox.EnqueueUpsert(ctx, tk))

	applied, err := f.syncer.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	require.Len(t, f.remote.pushes, 1)
	require.Len(t, f.remote.pushes[0].Changes, 1)
	assert.Equal(t, "B", f.remote.pushes[0].Changes[0].Task.Title)
	assert.NotEmpty(t, f.remote.pushes[0].DeviceID)

	n, err := f.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.db.GetTaskBySyncID(ctx, "x")
	require.NoError(t, err)
	assert.True(t, got.LastSyncedAt.IsSet())
}

func TestPushEmptyOutboxIsNoop(t *testing.T) {
	f := newSyncFixture(t)
	applied, err := f.syncer.Push(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Empty(t, f.remote.pushes)
}

func TestPushFailureKeepsOutbox(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.remote.pushErr = &TransportError{Op: "push", StatusCode: 503}

	require.NoError(t, f.outbox.EnqueueUpsert(ctx, newTask("x", "A", t0)))
	_, err := f.syncer.Push(ctx)
	require.Error(t, err)

	n, err := f.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPullKeepsNewerLocal(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	local := newTask("s1", "local edit", t0.Add(2*time.Hour))
	_, err := f.db.InsertTask(ctx, &local)
	require.NoError(t, err)

	f.remote.pullTasks = []wire.WireTask{wire.Encode(newTask("s1", "remote edit", t0.Add(time.Hour)))}
	res, err := f.syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Updated)

	got, err := f.db.GetTaskBySyncID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "local edit", got.Title)
	assert.False(t, got.LastSyncedAt.IsSet())
}

func TestPullAppliesNewerTombstone(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	local := newTask("s1", "keep me", t0.Add(time.Hour))
	_, err := f.db.InsertTask(ctx, &local)
	require.NoError(t, err)

	// remote updatedAt is older than local but its tombstone is newer
	remote := newTask("s1", "keep me", t0)
	remote.DeletedAt = models.Some(t0.Add(3 * time.Hour))
	f.remote.pullTasks = []wire.WireTask{wire.Encode(remote)}

	res, err := f.syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := f.db.GetTaskBySyncID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, local.LocalID, got.LocalID)
	assert.True(t, got.Deleted())
	assert.True(t, got.LastSyncedAt.IsSet())
}

func TestPullInsertsUnknownRecords(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.remote.pullTasks = []wire.WireTask{wire.Encode(newTask("new", "from elsewhere", t0))}

	res, err := f.syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	got, err := f.db.GetTaskBySyncID(ctx, "new")
	require.NoError(t, err)
	assert.NotZero(t, got.LocalID)
	assert.Equal(t, "from elsewhere", got.Title)
}

func TestPullMalformedRecordAbortsBeforeWriting(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	bad := wire.Encode(newTask("bad", "x", t0))
	bad.UpdatedAt = "not a time"
	f.remote.pullTasks = []wire.WireTask{wire.Encode(newTask("good", "x", t0)), bad}

	_, err := f.syncer.RunPass(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrMalformedWireData)

	_, err = f.db.GetTaskBySyncID(ctx, "good")
	assert.ErrorIs(t, err, store.ErrNotFound)

	cursor, err := f.syncer.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.False(t, cursor.IsSet())
}

func TestRunPassAdvancesCursorToStart(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	clock := t0
	f.syncer.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	at, err := f.syncer.RunPass(ctx)
	require.NoError(t, err)
	assert.True(t, at.Equal(t0.Add(time.Second)))

	_, err = f.syncer.RunPass(ctx)
	require.NoError(t, err)

	require.Len(t, f.remote.sinces, 2)
	assert.False(t, f.remote.sinces[0].IsSet())
	since, ok := f.remote.sinces[1].Get()
	require.True(t, ok)
	assert.True(t, since.Equal(at))
}

func TestRunPassPushesBeforePull(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.remote.pullErr = &TransportError{Op: "pull", StatusCode: 500}

	require.NoError(t, f.outbox.EnqueueUpsert(ctx, newTask("x", "A", t0)))
	_, err := f.syncer.RunPass(ctx)
	require.Error(t, err)

	assert.Len(t, f.remote.pushes, 1)
	n, err := f.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a successful push is kept even when the pull fails")
}

type reportingRemote struct {
	*fakeRemote
	reports []ConflictReport
}

func (r *reportingRemote) ReportConflict(_ context.Context, report ConflictReport) error {
	r.reports = append(r.reports, report)
	return nil
}

func TestPullReportsOverwrittenLocalEdits(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	remote := &reportingRemote{fakeRemote: f.remote}
	f.syncer.remote = remote

	synced := newTask("synced", "synced local", t0)
	synced.LastSyncedAt = models.Some(t0.Add(time.Minute))
	dirty := newTask("dirty", "dirty local", t0.Add(2*time.Minute))
	dirty.LastSyncedAt = models.Some(t0.Add(time.Minute))
	for _, tk := range []*models.Task{&synced, &dirty} {
		_, err := f.db.InsertTask(ctx, tk)
		require.NoError(t, err)
	}

	f.remote.pullTasks = []wire.WireTask{
		wire.Encode(newTask("synced", "remote", t0.Add(time.Hour))),
		wire.Encode(newTask("dirty", "remote", t0.Add(time.Hour))),
	}
	res, err := f.syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Overwritten)

	require.Len(t, remote.reports, 1)
	assert.Equal(t, "dirty", remote.reports[0].SyncID)
	require.NotNil(t, remote.reports[0].Local)
	assert.Equal(t, "dirty local", remote.reports[0].Local.Title)
	assert.Equal(t, "remote", remote.reports[0].Remote.Title)
}

func TestEditDuringPushIsStillReportedOnOverwrite(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	remote := &reportingRemote{fakeRemote: f.remote}
	f.syncer.remote = remote

	clock := t0.Add(time.Minute)
	f.syncer.now = func() time.Time { return clock }

	tk := newTask("x", "first", t0)
	_, err := f.db.InsertTask(ctx, &tk)
	require.NoError(t, err)
	require.NoError(t, f.outbox.EnqueueUpsert(ctx, tk))

	// another process edits the task while the push is on the wire
	f.remote.onPush = func() {
		tk.Title = "second"
		tk.UpdatedAt = clock.Add(time.Second)
		require.NoError(t, f.db.UpdateTask(ctx, tk))
		require.NoError(t, f.outbox.EnqueueUpsert(ctx, tk))
		clock = clock.Add(2 * time.Second)
	}
	_, err = f.syncer.Push(ctx)
	require.NoError(t, err)

	got, err := f.db.GetTaskBySyncID(ctx, "x")
	require.NoError(t, err)
	synced, ok := got.LastSyncedAt.Get()
	require.True(t, ok)
	assert.True(t, synced.Before(got.UpdatedAt))

	n, err := f.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the newer snapshot stays queued")

	f.remote.pullTasks = []wire.WireTask{wire.Encode(newTask("x", "remote", t0.Add(time.Hour)))}
	res, err := f.syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Overwritten)
	require.Len(t, remote.reports, 1)
	assert.Equal(t, "second", remote.reports[0].Local.Title)
}
