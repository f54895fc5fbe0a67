package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	dbconfig "kioskwatch/pkg/database"
	"kioskwatch/pkg/interfaces"
	"kioskwatch/pkg/types"
)

// setupTestDB opens a migrated SQLite file in a temp dir.
func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	logger := zaptest.NewLogger(t)
	manager, err := NewManager(config, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	require.NoError(t, dbconfig.NewMigrationManager(manager.GetDB(), logger).ApplyMigrations())
	return manager
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func seedActive(t *testing.T, m *Manager, accountID string, start, heartbeat time.Time) string {
	t.Helper()
	kioskID := types.KioskIDFor(accountID)
	require.NoError(t, m.UpsertSession(context.Background(), kioskID, types.SessionFields{
		AccountID:       types.Ref(accountID),
		UserName:        types.Ref("User " + accountID),
		Status:          types.Ref(types.StatusActive),
		StartTime:       types.Ref(start),
		LastHeartbeat:   types.Ref(heartbeat),
		ClearDisconnect: true,
	}))
	return kioskID
}

func TestManager_UpsertAndGet(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	kioskID := seedActive(t, m, "MEGG-1", base, base.Add(time.Minute))

	got, err := m.GetSession(ctx, kioskID)
	require.NoError(t, err)
	assert.Equal(t, "MEGG-1", got.AccountID)
	assert.Equal(t, "User MEGG-1", got.UserName)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.True(t, got.StartTime.Equal(base))
	assert.True(t, got.LastHeartbeat.Equal(base.Add(time.Minute)))
	assert.Nil(t, got.DisconnectedAt)
	assert.NoError(t, got.Validate())

	// merge keeps untouched columns
	require.NoError(t, m.UpsertSession(ctx, kioskID, types.SessionFields{UserEmail: types.Ref("a@b.co")}))
	got, err = m.GetSession(ctx, kioskID)
	require.NoError(t, err)
	assert.Equal(t, "a@b.co", got.UserEmail)
	assert.Equal(t, "User MEGG-1", got.UserName)
}

func TestManager_GetSessionNotFound(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.GetSession(context.Background(), "KIOSK-missing")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestManager_UpsertRejectsInvariantViolation(t *testing.T) {
	m := setupTestDB(t)

	err := m.UpsertSession(context.Background(), "KIOSK-X", types.SessionFields{
		Status: types.Ref(types.StatusDisconnected),
	})
	assert.Error(t, err)
}

func TestManager_RecordHeartbeat(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	t.Run("creates missing record", func(t *testing.T) {
		require.NoError(t, m.RecordHeartbeat(ctx, "KIOSK-NEW", "NEW", base))

		got, err := m.GetSession(ctx, "KIOSK-NEW")
		require.NoError(t, err)
		assert.Equal(t, types.StatusActive, got.Status)
		assert.Equal(t, "NEW", got.AccountID)
		assert.True(t, got.StartTime.Equal(base))
		assert.True(t, got.LastHeartbeat.Equal(base))
	})

	t.Run("never moves backwards", func(t *testing.T) {
		kioskID := seedActive(t, m, "MONO", base, base.Add(5*time.Minute))
		require.NoError(t, m.RecordHeartbeat(ctx, kioskID, "MONO", base.Add(time.Minute)))

		got, err := m.GetSession(ctx, kioskID)
		require.NoError(t, err)
		assert.True(t, got.LastHeartbeat.Equal(base.Add(5*time.Minute)))
		assert.True(t, got.StartTime.Equal(base))
	})

	t.Run("revives disconnected record", func(t *testing.T) {
		kioskID := seedActive(t, m, "REVIVE", base, base)
		n, err := m.BatchWrite(ctx, []types.WriteOp{{
			Kind:    types.OpUpdate,
			KioskID: kioskID,
			Fields: types.SessionFields{
				Status:             types.Ref(types.StatusDisconnected),
				DisconnectedAt:     types.Ref(base.Add(11 * time.Minute)),
				DisconnectedReason: types.Ref(types.ReasonAutoTimeout),
				LastHeartbeat:      types.Ref(base.Add(11 * time.Minute)),
			},
			RequireStatus: types.StatusActive,
		}})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		revivedAt := base.Add(12 * time.Minute)
		require.NoError(t, m.RecordHeartbeat(ctx, kioskID, "REVIVE", revivedAt))

		got, err := m.GetSession(ctx, kioskID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusActive, got.Status)
		assert.Nil(t, got.DisconnectedAt)
		assert.Empty(t, got.DisconnectedReason)
		assert.True(t, got.StartTime.Equal(revivedAt))
		assert.True(t, got.LastHeartbeat.Equal(revivedAt))
		assert.Equal(t, "User REVIVE", got.UserName)
	})
}

func TestManager_QuerySessions(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	seedActive(t, m, "A", base, base)
	seedActive(t, m, "B", base.Add(time.Minute), base.Add(20*time.Minute))
	seedActive(t, m, "C", base.Add(2*time.Minute), base.Add(2*time.Minute))

	active, err := m.QuerySessions(ctx, types.SessionQuery{Status: types.StatusActive, OrderByStartDesc: true})
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "KIOSK-C", active[0].KioskID)
	assert.Equal(t, "KIOSK-A", active[2].KioskID)

	stale, err := m.QuerySessions(ctx, types.SessionQuery{
		Status:          types.StatusActive,
		HeartbeatBefore: base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "KIOSK-A", stale[0].KioskID)
	assert.Equal(t, "KIOSK-C", stale[1].KioskID)

	limited, err := m.QuerySessions(ctx, types.SessionQuery{Status: types.StatusActive, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	mine, err := m.QuerySessions(ctx, types.SessionQuery{AccountID: "B"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "KIOSK-B", mine[0].KioskID)

	count, err := m.CountSessions(ctx, types.SessionQuery{Status: types.StatusActive, HeartbeatBefore: base.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestManager_QueryTreatsMissingHeartbeatAsOld(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, m.UpsertSession(ctx, "KIOSK-NOHB", types.SessionFields{
		Status:    types.Ref(types.StatusActive),
		StartTime: types.Ref(base),
	}))

	stale, err := m.QuerySessions(ctx, types.SessionQuery{Status: types.StatusActive, HeartbeatBefore: base})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.True(t, stale[0].LastHeartbeat.IsZero())
}

func TestManager_BatchWriteGuards(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	a := seedActive(t, m, "A", base, base)
	b := seedActive(t, m, "B", base, base)

	// B is guarded on disconnected and so skipped
	n, err := m.BatchWrite(ctx, []types.WriteOp{
		{Kind: types.OpDelete, KioskID: a, RequireStatus: types.StatusActive},
		{Kind: types.OpDelete, KioskID: b, RequireStatus: types.StatusDisconnected},
		{Kind: types.OpDelete, KioskID: "KIOSK-missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetSession(ctx, a)
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
	_, err = m.GetSession(ctx, b)
	assert.NoError(t, err)
}

func TestManager_BatchWriteIsAtomic(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	a := seedActive(t, m, "A", base, base)
	b := seedActive(t, m, "B", base, base)

	// second op leaves a disconnected row without disconnected_at
	_, err := m.BatchWrite(ctx, []types.WriteOp{
		{Kind: types.OpDelete, KioskID: a},
		{Kind: types.OpUpdate, KioskID: b, Fields: types.SessionFields{
			Status:             types.Ref(types.StatusDisconnected),
			DisconnectedReason: types.Ref(types.ReasonAutoTimeout),
		}},
	})
	require.Error(t, err)

	_, err = m.GetSession(ctx, a)
	assert.NoError(t, err, "delete must roll back with the failed update")
}

func TestManager_BatchWriteClampsDisconnectToStartTime(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	// A was reopened after the caller computed its disconnect time
	a := seedActive(t, m, "A", base.Add(time.Second), base.Add(time.Second))
	b := seedActive(t, m, "B", base.Add(-time.Hour), base.Add(-time.Hour))

	disconnect := func(id string) types.WriteOp {
		return types.WriteOp{Kind: types.OpUpdate, KioskID: id, RequireStatus: types.StatusActive,
			Fields: types.SessionFields{
				Status:             types.Ref(types.StatusDisconnected),
				DisconnectedAt:     types.Ref(base),
				DisconnectedReason: types.Ref(types.ReasonAutoTimeout),
			}}
	}
	n, err := m.BatchWrite(ctx, []types.WriteOp{disconnect(a), disconnect(b)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sa, err := m.GetSession(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisconnected, sa.Status)
	require.NotNil(t, sa.DisconnectedAt)
	assert.True(t, sa.DisconnectedAt.Equal(base.Add(time.Second)))

	sb, err := m.GetSession(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, sb.DisconnectedAt)
	assert.True(t, sb.DisconnectedAt.Equal(base))
}

func TestManager_BatchWriteRejectsBadOps(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	_, err := m.BatchWrite(ctx, []types.WriteOp{{Kind: types.OpUpdate, KioskID: "KIOSK-A"}})
	assert.ErrorIs(t, err, ErrEmptyUpdate)

	_, err = m.BatchWrite(ctx, []types.WriteOp{{Kind: "merge", KioskID: "KIOSK-A"}})
	assert.ErrorIs(t, err, ErrUnknownOp)

	_, err = m.BatchWrite(ctx, []types.WriteOp{{Kind: types.OpUpdate, KioskID: "KIOSK-A",
		Fields: types.SessionFields{Status: types.Ref(types.SessionStatus("paused"))}}})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = m.BatchWrite(ctx, []types.WriteOp{{Kind: types.OpDelete, KioskID: "KIOSK-A",
		RequireStatus: "gone"}})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	n, err := m.BatchWrite(ctx, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_DeleteMissingIsNotAnError(t *testing.T) {
	m := setupTestDB(t)
	assert.NoError(t, m.DeleteSession(context.Background(), "KIOSK-missing"))
}

func TestManager_OnChange(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	m.OnChange(func(ids []string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ids...)
	})

	a := seedActive(t, m, "A", base, base)
	require.NoError(t, m.RecordHeartbeat(ctx, a, "A", base.Add(time.Minute)))
	_, err := m.BatchWrite(ctx, []types.WriteOp{{Kind: types.OpDelete, KioskID: "KIOSK-missing"}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{a, a}, seen)
}

func TestManager_SingleWriterConcurrency(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Second)
			assert.NoError(t, m.RecordHeartbeat(ctx, "KIOSK-C", "C", at))
		}(i)
	}
	wg.Wait()

	got, err := m.GetSession(ctx, "KIOSK-C")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.Equal(base.Add(19*time.Second)))
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	assert.NoError(t, m.HealthCheck(ctx))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.RecordHeartbeat(ctx, "KIOSK-A", "A", base)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_CancelledContext(t *testing.T) {
	m := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.RecordHeartbeat(ctx, "KIOSK-A", "A", base)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestManager_BatchWriteRollsBackOnExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	m := NewManagerWithDB(db, nil, zaptest.NewLogger(t))
	defer func() { _ = m.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE kiosk_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM kiosk_sessions").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = m.BatchWrite(context.Background(), []types.WriteOp{
		{Kind: types.OpUpdate, KioskID: "KIOSK-A", Fields: types.SessionFields{LastHeartbeat: types.Ref(base)}},
		{Kind: types.OpDelete, KioskID: "KIOSK-B"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
