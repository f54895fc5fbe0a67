package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "kioskwatch/pkg/database"
	"kioskwatch/pkg/interfaces"
	"kioskwatch/pkg/types"
)

const sessionsTable = "kiosk_sessions"

// ssq is the SQLite statement builder with ? placeholders.
var ssq = sq.StatementBuilder.PlaceholderFormat(sq.Question)

var sessionColumns = []string{
	"kiosk_id", "account_id", "user_name", "user_email", "status",
	"start_time", "last_heartbeat", "disconnected_at", "disconnected_reason",
}

// ChangeListener is called after a write commits with the kiosk ids it touched.
type ChangeListener func(kioskIDs []string)

// Manager is the SQLite implementation of interfaces.SessionStore.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

var _ interfaces.SessionStore = (*Manager)(nil)

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sqlx.DB) error
	result    chan error
}

// sessionRow mirrors one kiosk_sessions row. Timestamps are unix millis.
type sessionRow struct {
	KioskID            string         `db:"kiosk_id"`
	AccountID          string         `db:"account_id"`
	UserName           string         `db:"user_name"`
	UserEmail          string         `db:"user_email"`
	Status             string         `db:"status"`
	StartTime          int64          `db:"start_time"`
	LastHeartbeat      sql.NullInt64  `db:"last_heartbeat"`
	DisconnectedAt     sql.NullInt64  `db:"disconnected_at"`
	DisconnectedReason sql.NullString `db:"disconnected_reason"`
}

func (r *sessionRow) toSession() *types.KioskSession {
	s := &types.KioskSession{
		KioskID:   r.KioskID,
		AccountID: r.AccountID,
		UserName:  r.UserName,
		UserEmail: r.UserEmail,
		Status:    types.SessionStatus(r.Status),
		StartTime: fromMillis(r.StartTime),
	}
	if r.LastHeartbeat.Valid {
		s.LastHeartbeat = fromMillis(r.LastHeartbeat.Int64)
	}
	if r.DisconnectedAt.Valid {
		at := fromMillis(r.DisconnectedAt.Int64)
		s.DisconnectedAt = &at
	}
	if r.DisconnectedReason.Valid {
		s.DisconnectedReason = types.DisconnectReason(r.DisconnectedReason.String)
	}
	return s
}

// NewManager opens the SQLite pool described by config and starts the writer.
// Migrations are applied separately by the caller.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sqlx.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.Pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return newManager(db, config, logger), nil
}

// NewManagerWithDB wraps an already opened handle. Used with sqlmock.
func NewManagerWithDB(db *sql.DB, config *dbconfig.Config, logger *zap.Logger) *Manager {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	return newManager(sqlx.NewDb(db, "sqlite3"), config, logger)
}

func newManager(db *sqlx.DB, config *dbconfig.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With(zap.String("component", "database")),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager
}

// OnChange registers a listener for committed writes.
func (m *Manager) OnChange(fn ChangeListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(kioskIDs []string) {
	if len(kioskIDs) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(kioskIDs)
	}
}

// writeLoop processes all write operations in a single goroutine.
// Failed writes are returned to the caller; the next scheduled run retries.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			err := op.operation(op.ctx, m.db)
			if err != nil {
				m.logger.Warn("database write failed", zap.Error(err))
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		// writeLoop may still answer between the send and shutdown
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// withTx runs fn inside a transaction on the writer goroutine.
func (m *Manager) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by kiosk id
func (m *Manager) GetSession(ctx context.Context, kioskID string) (*types.KioskSession, error) {
	query, args, err := ssq.Select(sessionColumns...).
		From(sessionsTable).
		Where(sq.Eq{"kiosk_id": kioskID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	var row sessionRow
	if err := m.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return row.toSession(), nil
}

// UpsertSession merges fields into the record at kioskID, inserting it when absent.
func (m *Manager) UpsertSession(ctx context.Context, kioskID string, fields types.SessionFields) error {
	columns, values := fieldColumns(fields)

	insert := ssq.Insert(sessionsTable).
		Columns(append([]string{"kiosk_id"}, columns...)...).
		Values(append([]interface{}{kioskID}, values...)...)
	if len(columns) == 0 {
		insert = insert.Suffix("ON CONFLICT(kiosk_id) DO NOTHING")
	} else {
		insert = insert.Suffix("ON CONFLICT(kiosk_id) DO UPDATE SET " + excludedAssignments(columns))
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}

	err = m.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", kioskID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.notify([]string{kioskID})
	return nil
}

// recordHeartbeatSQL stamps liveness in one statement. All SET expressions
// read the pre-update row, so a disconnected record is revived with a fresh
// start_time while an active one only moves last_heartbeat forward.
const recordHeartbeatSQL = `
INSERT INTO kiosk_sessions (kiosk_id, account_id, status, start_time, last_heartbeat)
VALUES (?, ?, 'active', ?, ?)
ON CONFLICT(kiosk_id) DO UPDATE SET
	account_id = CASE WHEN kiosk_sessions.account_id = '' THEN excluded.account_id ELSE kiosk_sessions.account_id END,
	start_time = CASE WHEN kiosk_sessions.status = 'active' THEN kiosk_sessions.start_time ELSE excluded.start_time END,
	last_heartbeat = CASE WHEN kiosk_sessions.status = 'active'
		THEN MAX(COALESCE(kiosk_sessions.last_heartbeat, 0), excluded.last_heartbeat)
		ELSE excluded.last_heartbeat END,
	status = 'active',
	disconnected_at = NULL,
	disconnected_reason = NULL`

// RecordHeartbeat implements interfaces.SessionStore.
func (m *Manager) RecordHeartbeat(ctx context.Context, kioskID, accountID string, at time.Time) error {
	ms := toMillis(at)
	err := m.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, recordHeartbeatSQL, kioskID, accountID, ms, ms); err != nil {
			return fmt.Errorf("failed to record heartbeat for %s: %w", kioskID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.notify([]string{kioskID})
	return nil
}

// applySessionQuery adds query predicates to a SELECT builder.
func applySessionQuery(qb sq.SelectBuilder, q types.SessionQuery) sq.SelectBuilder {
	if q.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(q.Status)})
	}
	if q.AccountID != "" {
		qb = qb.Where(sq.Eq{"account_id": q.AccountID})
	}
	if !q.HeartbeatBefore.IsZero() {
		// a record that never heartbeated counts as older than any cutoff
		qb = qb.Where(sq.Or{
			sq.Eq{"last_heartbeat": nil},
			sq.Lt{"last_heartbeat": toMillis(q.HeartbeatBefore)},
		})
	}
	return qb
}

// QuerySessions returns records matching q.
func (m *Manager) QuerySessions(ctx context.Context, q types.SessionQuery) ([]*types.KioskSession, error) {
	qb := applySessionQuery(ssq.Select(sessionColumns...).From(sessionsTable), q)
	if q.OrderByStartDesc {
		qb = qb.OrderBy("start_time DESC", "kiosk_id")
	} else {
		qb = qb.OrderBy("kiosk_id")
	}
	if q.Limit > 0 {
		qb = qb.Limit(uint64(q.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building sessions query: %w", err)
	}

	var rows []sessionRow
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	sessions := make([]*types.KioskSession, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toSession())
	}
	return sessions, nil
}

// CountSessions counts records matching q. Limit and ordering are ignored.
func (m *Manager) CountSessions(ctx context.Context, q types.SessionQuery) (int, error) {
	query, args, err := applySessionQuery(ssq.Select("COUNT(*)").From(sessionsTable), q).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := m.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// BatchWrite applies ops atomically. Ops whose RequireStatus guard does not
// match the stored record change nothing and do not fail the batch.
func (m *Manager) BatchWrite(ctx context.Context, ops []types.WriteOp) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	type built struct {
		kioskID string
		query   string
		args    []interface{}
	}
	statements := make([]built, 0, len(ops))
	for i, op := range ops {
		query, args, err := buildWriteOp(op)
		if err != nil {
			return 0, fmt.Errorf("op %d (%s %s): %w", i, op.Kind, op.KioskID, err)
		}
		statements = append(statements, built{kioskID: op.KioskID, query: query, args: args})
	}

	var changed []string
	err := m.withTx(ctx, func(tx *sqlx.Tx) error {
		changed = changed[:0]
		for _, stmt := range statements {
			res, err := tx.ExecContext(ctx, stmt.query, stmt.args...)
			if err != nil {
				return fmt.Errorf("batch write on %s: %w", stmt.kioskID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("batch write on %s: %w", stmt.kioskID, err)
			}
			if n > 0 {
				changed = append(changed, stmt.kioskID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.notify(changed)
	return len(changed), nil
}

// buildWriteOp renders one batch op. An update that sets disconnected_at
// without a new start_time is clamped to the stored start_time inside the
// statement, so a row reopened after the caller read it still satisfies the
// disconnected_at >= start_time check.
func buildWriteOp(op types.WriteOp) (string, []interface{}, error) {
	where := sq.And{sq.Eq{"kiosk_id": op.KioskID}}
	if op.RequireStatus != "" {
		if !types.IsValidStatus(op.RequireStatus) {
			return "", nil, fmt.Errorf("%w: guard %q", ErrInvalidStatus, op.RequireStatus)
		}
		where = append(where, sq.Eq{"status": string(op.RequireStatus)})
	}

	switch op.Kind {
	case types.OpUpdate:
		if op.Fields.IsEmpty() {
			return "", nil, ErrEmptyUpdate
		}
		if op.Fields.Status != nil && !types.IsValidStatus(*op.Fields.Status) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *op.Fields.Status)
		}
		columns, values := fieldColumns(op.Fields)
		clamp := op.Fields.DisconnectedAt != nil && op.Fields.StartTime == nil && !op.Fields.ClearDisconnect
		ub := ssq.Update(sessionsTable).Where(where)
		for i, col := range columns {
			if clamp && col == "disconnected_at" {
				ub = ub.Set(col, sq.Expr("MAX(?, start_time)", values[i]))
				continue
			}
			ub = ub.Set(col, values[i])
		}
		return ub.ToSql()
	case types.OpDelete:
		return ssq.Delete(sessionsTable).Where(where).ToSql()
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}
}

// DeleteSession removes the record at kioskID.
func (m *Manager) DeleteSession(ctx context.Context, kioskID string) error {
	_, err := m.BatchWrite(ctx, []types.WriteOp{{Kind: types.OpDelete, KioskID: kioskID}})
	return err
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+sessionsTable); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db.DB
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// fieldColumns flattens the set fields into parallel column/value slices in
// a stable order.
func fieldColumns(f types.SessionFields) ([]string, []interface{}) {
	var columns []string
	var values []interface{}
	add := func(col string, v interface{}) {
		columns = append(columns, col)
		values = append(values, v)
	}

	if f.AccountID != nil {
		add("account_id", *f.AccountID)
	}
	if f.UserName != nil {
		add("user_name", *f.UserName)
	}
	if f.UserEmail != nil {
		add("user_email", *f.UserEmail)
	}
	if f.Status != nil {
		add("status", string(*f.Status))
	}
	if f.StartTime != nil {
		add("start_time", toMillis(*f.StartTime))
	}
	if f.LastHeartbeat != nil {
		add("last_heartbeat", toMillis(*f.LastHeartbeat))
	}
	switch {
	case f.ClearDisconnect:
		add("disconnected_at", nil)
		add("disconnected_reason", nil)
	default:
		if f.DisconnectedAt != nil {
			add("disconnected_at", toMillis(*f.DisconnectedAt))
		}
		if f.DisconnectedReason != nil {
			add("disconnected_reason", string(*f.DisconnectedReason))
		}
	}
	return columns, values
}

func excludedAssignments(columns []string) string {
	sets := make([]string, len(columns))
	for i, col := range columns {
		sets[i] = col + " = excluded." + col
	}
	return strings.Join(sets, ", ")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
