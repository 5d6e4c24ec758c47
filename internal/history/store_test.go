package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := New(db, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, &Record{
			RunID:    fmt.Sprintf("run-%d", i),
			Prompt:   "a chair",
			Provider: "openai",
			State:    StateSuccess,
		}))
	}

	records, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "run-2", records[0].RunID)
	assert.Equal(t, "run-1", records[1].RunID)
	assert.False(t, records[0].CreatedAt.IsZero())

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSaveRejectsDuplicateRunID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{RunID: "same", State: StateSuccess}))
	assert.Error(t, store.Save(ctx, &Record{RunID: "same", State: StateFailure}))
}

func TestLastScript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LastScript(ctx)
	require.ErrorIs(t, err, ErrNoScript)

	require.NoError(t, store.Save(ctx, &Record{RunID: "a", State: StateSuccess, Script: "bpy.ops.mesh.primitive_cube_add()"}))
	require.NoError(t, store.Save(ctx, &Record{RunID: "b", State: StateFailure, Script: "import os"}))
	require.NoError(t, store.Save(ctx, &Record{RunID: "c", State: StateFailure, ErrorKind: "timeout"}))

	rec, err := store.LastScript(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.RunID)
	assert.Equal(t, "import os", rec.Script)
}

func TestExportLastScript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &Record{RunID: "a", State: StateSuccess, Script: "bpy.ops.mesh.primitive_cube_add()\n"}))

	path := filepath.Join(t.TempDir(), "out", "last.py")
	rec, err := store.ExportLastScript(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.RunID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bpy.ops.mesh.primitive_cube_add()\n", string(data))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.db")
	store, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &Record{RunID: "persisted", State: StateSuccess}))
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	records, err := reopened.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "persisted", records[0].RunID)
}
