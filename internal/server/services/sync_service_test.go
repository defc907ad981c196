package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/internal/models"
	"tasksync/internal/server/repos"
	"tasksync/internal/sqlitex"
	"tasksync/internal/wire"
)

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []int
}

func (n *recordingNotifier) NotifyChanged(_, _ string, applied int, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, applied)
}

func setupTestService(t *testing.T, opts Options) *SyncService {
	t.Helper()
	db, err := sqlitex.Open(sqlitex.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := repos.Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	svc := NewSyncService(repos.NewSyncRepo(db), opts)
	t.Cleanup(svc.Close)
	return svc
}

func wireTask(id, title string, updated time.Time) wire.WireTask {
	return wire.Encode(models.Task{
		SyncID:    id,
		DeviceID:  "dev-a",
		Title:     title,
		Status:    models.StatusTodo,
		Section:   models.SectionToday,
		CreatedAt: base,
		UpdatedAt: updated,
	})
}

func upsert(w wire.WireTask) Change {
	return Change{Type: ChangeUpsert, Task: w}
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	svc := setupTestService(t, Options{Notifier: n})

	changes := []Change{upsert(wireTask("a", "A", base)), upsert(wireTask("b", "B", base))}
	applied, err := svc.ApplyPush(ctx, "", "dev-a", changes)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	applied, err = svc.ApplyPush(ctx, "", "dev-a", changes)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	got, err := svc.QueryPull(ctx, DefaultNamespace, models.None[time.Time]())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []int{2}, n.calls, "only pushes that stored something are announced")
}

func TestOlderAndEqualChangesAreSkipped(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, Options{})

	_, err := svc.ApplyPush(ctx, "", "dev-a", []Change{upsert(wireTask("a", "newer", base.Add(time.Hour)))})
	require.NoError(t, err)

	applied, err := svc.ApplyPush(ctx, "", "dev-b", []Change{
		upsert(wireTask("a", "older", base)),
		upsert(wireTask("a", "same time", base.Add(time.Hour))),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	got, err := svc.QueryPull(ctx, "", models.None[time.Time]())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "newer", got[0].Title)
}

func TestDeleteWithoutTombstoneIsStamped(t *testing.T) {
	ctx := context.Background()
	now := base.Add(24 * time.Hour)
	svc := setupTestService(t, Options{Now: func() time.Time { return now }})

	_, err := svc.ApplyPush(ctx, "", "dev-a", []Change{upsert(wireTask("a", "A", base))})
	require.NoError(t, err)

	applied, err := svc.ApplyPush(ctx, "", "dev-b", []Change{{Type: ChangeDelete, Task: wireTask("a", "A", base)}})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := svc.QueryPull(ctx, "", models.Some(base))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].DeletedAt)
	assert.Equal(t, wire.FormatTime(now), *got[0].DeletedAt)
	assert.Equal(t, wire.FormatTime(now), got[0].UpdatedAt)
}

func TestPullSinceIsStrictAndOrdered(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, Options{})

	_, err := svc.ApplyPush(ctx, "", "dev-a", []Change{
		upsert(wireTask("late", "late", base.Add(2*time.Minute))),
		upsert(wireTask("early", "early", base)),
		upsert(wireTask("mid", "mid", base.Add(time.Minute))),
	})
	require.NoError(t, err)

	got, err := svc.QueryPull(ctx, "", models.Some(base))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mid", got[0].SyncID)
	assert.Equal(t, "late", got[1].SyncID)
}

func TestMalformedChangeRejectsWholePush(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, Options{})

	bad := wireTask("b", "B", base)
	bad.UpdatedAt = "tuesday"
	_, err := svc.ApplyPush(ctx, "", "dev-a", []Change{upsert(wireTask("a", "A", base)), upsert(bad)})
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrMalformedWireData)

	var invalid *InvalidChangeError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 1, invalid.Index)

	got, err := svc.QueryPull(ctx, "", models.None[time.Time]())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFarFutureChangeIsRejectedNotStored(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, Options{})

	far := wireTask("far", "from a broken clock", base)
	far.UpdatedAt = "2300-01-01T00:00:00Z"
	_, err := svc.ApplyPush(ctx, "", "dev-a", []Change{upsert(far)})
	var invalid *InvalidChangeError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "far", invalid.SyncID)

	got, err := svc.QueryPull(ctx, "", models.None[time.Time]())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, Options{})

	_, err := svc.ApplyPush(ctx, "work", "dev-a", []Change{upsert(wireTask("a", "A", base))})
	require.NoError(t, err)

	got, err := svc.QueryPull(ctx, "home", models.None[time.Time]())
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = svc.QueryPull(ctx, "work", models.None[time.Time]())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConcurrentPushesKeepNewest(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, Options{})

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := wireTask("shared", fmt.Sprintf("v%02d", i), base.Add(time.Duration(i)*time.Second))
			_, err := svc.ApplyPush(ctx, "", fmt.Sprintf("dev-%d", i), []Change{upsert(w)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := svc.QueryPull(ctx, "", models.None[time.Time]())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fmt.Sprintf("v%02d", writers-1), got[0].Title)

	devices, err := svc.Devices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, devices, writers)
}

func TestAuditLogAndConflicts(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, Options{})

	_, err := svc.ApplyPush(ctx, "", "dev-a", []Change{upsert(wireTask("a", "A", base))})
	require.NoError(t, err)
	_, err = svc.ApplyPush(ctx, "", "dev-a", []Change{{Type: ChangeDelete, Task: wireTask("a", "A", base.Add(time.Minute))}})
	require.NoError(t, err)

	entries, err := svc.Log(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ChangeUpsert, entries[0].Type)
	assert.Equal(t, ChangeDelete, entries[1].Type)

	require.NoError(t, svc.ReportConflict(ctx, "", ConflictReport{DeviceID: "dev-a", SyncID: "a"}))
}

func TestClosedServiceRejectsRequests(t *testing.T) {
	svc := setupTestService(t, Options{})
	svc.Close()
	_, err := svc.ApplyPush(context.Background(), "", "dev-a", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCanceledContext(t *testing.T) {
	svc := setupTestService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.QueryPull(ctx, "", models.None[time.Time]())
	assert.ErrorIs(t, err, context.Canceled)
}
