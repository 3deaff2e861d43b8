package state

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "CPSWorkloadState")
			assert.ErrorIs(t, err, ErrNotFound)

			created, err := store.Create(ctx, "CPSWorkloadState", json.RawMessage(`{"status":"Ready"}`))
			require.NoError(t, err)
			assert.NotEmpty(t, created.ETag)

			_, err = store.Create(ctx, "CPSWorkloadState", json.RawMessage(`{"status":"Ready"}`))
			assert.ErrorIs(t, err, ErrConflict)

			got, err := store.Get(ctx, "CPSWorkloadState")
			require.NoError(t, err)
			var def struct{ Status string }
			require.NoError(t, got.Decode(&def))
			assert.Equal(t, "Ready", def.Status)

			updated, err := store.Update(ctx, "CPSWorkloadState", json.RawMessage(`{"status":"ExecutionStarted"}`), got.ETag)
			require.NoError(t, err)
			assert.NotEqual(t, got.ETag, updated.ETag)

			require.NoError(t, store.Delete(ctx, "CPSWorkloadState"))
			assert.ErrorIs(t, store.Delete(ctx, "CPSWorkloadState"), ErrNotFound)
		})
	}
}

func TestStore_UpdateWithStaleETag(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := store.Create(ctx, "key", json.RawMessage(`1`))
			require.NoError(t, err)

			_, err = store.Update(ctx, "key", json.RawMessage(`2`), first.ETag)
			require.NoError(t, err)

			_, err = store.Update(ctx, "key", json.RawMessage(`3`), first.ETag)
			assert.ErrorIs(t, err, ErrPreconditionFailed)

			_, err = store.Update(ctx, "key", json.RawMessage(`4`), "")
			assert.NoError(t, err)

			_, err = store.Update(ctx, "missing", json.RawMessage(`1`), "")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListOrdersByID(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty)

			_, err = store.Create(ctx, "SockPerfWorkloadState", json.RawMessage(`{}`))
			require.NoError(t, err)
			cps, err := store.Create(ctx, "CPSWorkloadState", json.RawMessage(`{}`))
			require.NoError(t, err)

			summaries, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, summaries, 2)
			assert.Equal(t, "CPSWorkloadState", summaries[0].ID)
			assert.Equal(t, cps.ETag, summaries[0].ETag)
			assert.Equal(t, "SockPerfWorkloadState", summaries[1].ID)
		})
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = first.Create(ctx, "SockPerfBuildState", json.RawMessage(`{"completed":true}`))
	require.NoError(t, err)

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	doc, err := second.Get(ctx, "SockPerfBuildState")
	require.NoError(t, err)
	assert.JSONEq(t, `{"completed":true}`, string(doc.Definition))

	summaries, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "SockPerfBuildState", summaries[0].ID)
	assert.Equal(t, doc.ETag, summaries[0].ETag)
}

func TestFileStore_RejectsPathIDs(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Create(context.Background(), "../escape", json.RawMessage(`{}`))
	assert.Error(t, err)
}
