package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)

	sess := &Session{
		ProtocolPath: "/data/protocol.json",
		Trajectory:   "spiral",
		Channels:     32,
	}
	require.NoError(t, store.BeginSession(sess))
	require.NotEmpty(t, sess.SessionID)
	require.NotZero(t, sess.StartedAt)

	got, err := store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "spiral", got.Trajectory)
	assert.Equal(t, 32, got.Channels)
	assert.Zero(t, got.FinishedAt)

	require.NoError(t, store.FinishSession(sess.SessionID, "ok"))
	got, err = store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Outcome)
	assert.NotZero(t, got.FinishedAt)
}

func TestFinishSession_NotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.FinishSession("no-such-session", "ok")
	assert.Error(t, err)
}

func TestGetSession_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetSession("no-such-session")
	assert.Error(t, err)
}

func TestEmissions_InsertAndList(t *testing.T) {
	store := openTestStore(t)

	sess := &Session{ProtocolPath: "p", Trajectory: "cartesian", Channels: 8}
	require.NoError(t, store.BeginSession(sess))

	base := time.Now().UnixNano()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertEmission(&GroupEmission{
			GroupID:     string(rune('a'+i)) + "-group",
			SessionID:   sess.SessionID,
			Slice:       i,
			RecordCount: 4 + i,
			Outcome:     "ok",
			DurationMS:  int64(100 * i),
			CreatedAt:   base + int64(i),
		}))
	}

	list, err := store.ListEmissions(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, e := range list {
		assert.Equal(t, i, e.Slice, "emission order preserved")
		assert.Equal(t, 4+i, e.RecordCount)
	}

	other, err := store.ListEmissions("unknown-session")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.False(t, isSQLiteBusy(nil))
	assert.False(t, isSQLiteBusy(errors.New("syntax error")))
	assert.True(t, isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isSQLiteBusy(errors.New("SQLITE_BUSY")))
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("succeeds after transient busy", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return errors.New("SQLITE_BUSY")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return errors.New("constraint violation")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
