package account_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ptp-msgconn/internal/account"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

func sampleRecord() account.Record {
	return account.Record{
		Session: protocol.Session{UID: "u1", Token: "tok", Address: "0xabc"},
		UID:     "u1",
		User:    protocol.CurrentUser{UserID: "u1", Name: "alice"},
		SavedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSessionStores(t *testing.T) {
	fileStore, err := account.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	stores := map[string]account.SessionStore{
		"file":   fileStore,
		"memory": account.NewMemoryStore(),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, "acct/1")
			require.ErrorIs(t, err, account.ErrNotFound)

			rec := sampleRecord()
			require.NoError(t, store.Save(ctx, "acct/1", rec))

			got, err := store.Load(ctx, "acct/1")
			require.NoError(t, err)
			assert.Equal(t, rec.Session, got.Session)
			assert.Equal(t, rec.User, got.User)
			assert.True(t, rec.SavedAt.Equal(got.SavedAt))

			require.NoError(t, store.Delete(ctx, "acct/1"))
			require.NoError(t, store.Delete(ctx, "acct/1"))
			_, err = store.Load(ctx, "acct/1")
			require.ErrorIs(t, err, account.ErrNotFound)
		})
	}
}

func TestFileStoreWritesPrivateFile(t *testing.T) {
	dir := t.TempDir()
	store, err := account.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "alice", sampleRecord()))

	info, err := os.Stat(filepath.Join(dir, "alice.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	data, err := os.ReadFile(filepath.Join(dir, "alice.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[session]")
}

func TestFileStoreKeepsSimilarIDsApart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := account.NewFileStore(dir)
	require.NoError(t, err)

	ids := []string{"a/b", "a_b", "a%2Fb", "a b", "../a"}
	for i, id := range ids {
		rec := sampleRecord()
		rec.UID = id
		rec.Session.Token = string(rune('A' + i))
		require.NoError(t, store.Save(ctx, id, rec))
	}

	for i, id := range ids {
		got, err := store.Load(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, id, got.UID)
		assert.Equal(t, string(rune('A'+i)), got.Session.Token)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(ids))
	_, err = os.Stat(filepath.Join(dir, "a_b.toml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "a%2Fb.toml"))
	assert.NoError(t, err)
}
