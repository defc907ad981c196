package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/internal/logging"
	"tasksync/internal/sqlitex"
	"tasksync/internal/store"
)

func TestDeviceIDPersistsAcrossProviders(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, sqlitex.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	first := NewProvider(db, nil).DeviceID(ctx)
	_, err = uuid.Parse(first)
	require.NoError(t, err)

	p := NewProvider(db, nil)
	assert.Equal(t, first, p.DeviceID(ctx))
	assert.Equal(t, first, p.DeviceID(ctx))

	require.NoError(t, p.Reset(ctx))
	assert.NotEqual(t, first, p.DeviceID(ctx))
}

type brokenKV struct{ gets int }

func (b *brokenKV) GetValue(context.Context, string) (string, error) {
	b.gets++
	return "", errors.New("disk on fire")
}
func (b *brokenKV) SetValue(context.Context, string, string) error { return errors.New("disk on fire") }
func (b *brokenKV) DeleteValue(context.Context, string) error      { return nil }

func TestDeviceIDFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	log, logs := logging.NewObserved("warn")
	kv := &brokenKV{}
	p := NewProvider(kv, log)

	id := p.DeviceID(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, p.DeviceID(ctx))
	assert.Equal(t, 1, kv.gets)
	assert.Equal(t, 1, logs.FilterMessageSnippet("in-memory id").Len())
}

func TestDeviceIDWithoutStore(t *testing.T) {
	p := NewProvider(nil, nil)
	id := p.DeviceID(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, p.DeviceID(context.Background()))
}
