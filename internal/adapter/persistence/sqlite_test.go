package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagents/internal/domain"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "sagents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLitePersistLoadRoundTrip(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	state := domain.NewState("a1")
	state.Append(domain.UserMessage("persist me"))
	state.Metadata["tenant"] = "acme"
	data, err := domain.EncodeState(state)
	require.NoError(t, err)

	require.NoError(t, store.Persist(ctx, "a1", data, domain.PersistOnInterrupt))
	// Second persist overwrites.
	state.Append(domain.SystemMessage("more"))
	data2, err := domain.EncodeState(state)
	require.NoError(t, err)
	require.NoError(t, store.Persist(ctx, "a1", data2, domain.PersistOnCompletion))

	loaded, err := store.Load(ctx, "a1")
	require.NoError(t, err)
	restored, err := domain.DecodeState(loaded)
	require.NoError(t, err)
	assert.Len(t, restored.Messages, 2)
	assert.Equal(t, "acme", restored.Metadata["tenant"])

	_, err = store.Load(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSQLiteDisplayHistoryAppendOnly(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	first := domain.Message{ID: "m1", Role: domain.RoleUser, Content: "hi"}
	second := domain.Message{
		ID:        "m2",
		Role:      domain.RoleAssistant,
		Content:   "on it",
		ToolCalls: []domain.ToolCall{{ID: "c1", Name: "write_file"}},
	}
	_, err := store.SaveMessage(ctx, "conv1", first)
	require.NoError(t, err)
	items, err := store.SaveMessage(ctx, "conv1", second)
	require.NoError(t, err)
	require.Len(t, items, 2)

	n, err := store.UpdateToolStatus(ctx, domain.ToolExecuting, domain.ToolInfo{CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.UpdateToolStatus(ctx, domain.ToolCompleted, domain.ToolInfo{CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	saved, err := store.Display(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, saved, 3)
	assert.Equal(t, "hi", saved[0].Content)
	assert.Equal(t, domain.DisplayToolCall, saved[2].Kind)
	assert.Equal(t, string(domain.ToolCompleted), saved[2].ToolStatus)

	_, err = store.UpdateToolStatus(ctx, domain.ToolFailed, domain.ToolInfo{CallID: "ghost"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
