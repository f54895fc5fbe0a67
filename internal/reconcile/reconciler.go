// Package reconcile moves sessions through the disconnect and purge
// transitions. Scheduled jobs and the manual trigger share these functions.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"kioskwatch/internal/metrics"
	"kioskwatch/internal/scheduler"
	"kioskwatch/internal/telemetry"
	"kioskwatch/pkg/interfaces"
	"kioskwatch/pkg/types"
)

// Job names used for scheduling, metrics and spans.
const (
	JobDisconnectStale = "disconnect_stale"
	JobPurge           = "purge"
)

// Manual trigger defaults, in the units the operator passes.
const (
	DefaultStaleMinutes = 10
	DefaultPurgeDays    = 30
)

// Config holds the reconciliation thresholds and schedule.
type Config struct {
	DisconnectAfter   time.Duration
	ReconcileInterval time.Duration
	PurgeAfter        time.Duration
	PurgeAt           string
	PurgeLocation     *time.Location
	MaxBatchSize      int
}

// DefaultConfig mirrors the production schedule: disconnect after 10
// minutes checked every 5, purge after 30 days at 02:00 Manila time.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Manila")
	if err != nil {
		loc = time.FixedZone("Asia/Manila", 8*60*60)
	}
	return Config{
		DisconnectAfter:   10 * time.Minute,
		ReconcileInterval: 5 * time.Minute,
		PurgeAfter:        30 * 24 * time.Hour,
		PurgeAt:           "02:00",
		PurgeLocation:     loc,
		MaxBatchSize:      500,
	}
}

func (c Config) validate() error {
	if c.DisconnectAfter <= 0 || c.ReconcileInterval <= 0 || c.PurgeAfter <= 0 || c.MaxBatchSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Reconciler runs the disconnect and purge jobs against a SessionStore.
type Reconciler struct {
	store   interfaces.SessionStore
	cfg     Config
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates a reconciler. clock, logger and m may be nil.
func New(store interfaces.SessionStore, cfg Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) (*Reconciler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With(zap.String("component", "reconcile")),
		metrics: m,
		tracer:  telemetry.Tracer("kioskwatch/reconcile"),
	}, nil
}

// Config returns the thresholds in use.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// DisconnectStale transitions active sessions whose heartbeat is older than
// now-olderThan to disconnected in one atomic batch. Each transition also
// resets lastHeartbeat to now so the purge window counts from the disconnect.
// Returns the number of sessions transitioned.
func (r *Reconciler) DisconnectStale(ctx context.Context, now time.Time, olderThan time.Duration, reason types.DisconnectReason) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile."+JobDisconnectStale, trace.WithAttributes(
		attribute.String("reason", string(reason)),
		attribute.String("older_than", olderThan.String()),
	))
	defer span.End()
	start := time.Now()

	cutoff := now.Add(-olderThan)
	stale, err := r.store.QuerySessions(ctx, types.SessionQuery{
		Status:          types.StatusActive,
		HeartbeatBefore: cutoff,
		Limit:           r.cfg.MaxBatchSize,
	})
	if err != nil {
		err = fmt.Errorf("querying stale sessions: %w", err)
		r.finish(span, JobDisconnectStale, start, 0, err)
		return 0, err
	}
	if len(stale) == 0 {
		r.finish(span, JobDisconnectStale, start, 0, nil)
		return 0, nil
	}

	ops := make([]types.WriteOp, 0, len(stale))
	for _, s := range stale {
		// the store raises disconnected_at to start_time when a session
		// was reopened after the query
		ops = append(ops, types.WriteOp{
			Kind:    types.OpUpdate,
			KioskID: s.KioskID,
			Fields: types.SessionFields{
				Status:             types.Ref(types.StatusDisconnected),
				DisconnectedAt:     types.Ref(now),
				DisconnectedReason: types.Ref(reason),
				LastHeartbeat:      types.Ref(now),
			},
			RequireStatus: types.StatusActive,
		})
	}

	n, err := r.store.BatchWrite(ctx, ops)
	if err != nil {
		r.logFailedBatch("auto-disconnect batch failed", stale, err)
		err = fmt.Errorf("disconnecting %d stale sessions: %w", len(stale), err)
		r.finish(span, JobDisconnectStale, start, 0, err)
		return 0, err
	}

	for _, s := range stale {
		r.logger.Info("session disconnected",
			zap.String("kiosk_id", s.KioskID),
			zap.String("user_name", s.UserName),
			zap.String("reason", string(reason)),
			zap.Time("last_heartbeat", s.LastHeartbeat))
	}
	r.metrics.Transition(string(types.StatusDisconnected), string(reason), n)
	r.finish(span, JobDisconnectStale, start, n, nil)
	return n, nil
}

// PurgeDisconnected deletes disconnected sessions whose heartbeat is older
// than now-olderThan in one atomic batch. Active sessions are never touched.
func (r *Reconciler) PurgeDisconnected(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile."+JobPurge, trace.WithAttributes(
		attribute.String("older_than", olderThan.String()),
	))
	defer span.End()
	start := time.Now()

	cutoff := now.Add(-olderThan)
	old, err := r.store.QuerySessions(ctx, types.SessionQuery{
		Status:          types.StatusDisconnected,
		HeartbeatBefore: cutoff,
		Limit:           r.cfg.MaxBatchSize,
	})
	if err != nil {
		err = fmt.Errorf("querying old disconnected sessions: %w", err)
		r.finish(span, JobPurge, start, 0, err)
		return 0, err
	}
	if len(old) == 0 {
		r.finish(span, JobPurge, start, 0, nil)
		return 0, nil
	}

	ops := make([]types.WriteOp, 0, len(old))
	for _, s := range old {
		ops = append(ops, types.WriteOp{
			Kind:          types.OpDelete,
			KioskID:       s.KioskID,
			RequireStatus: types.StatusDisconnected,
		})
	}

	n, err := r.store.BatchWrite(ctx, ops)
	if err != nil {
		r.logFailedBatch("purge batch failed", old, err)
		err = fmt.Errorf("purging %d disconnected sessions: %w", len(old), err)
		r.finish(span, JobPurge, start, 0, err)
		return 0, err
	}

	r.logger.Info("purged disconnected sessions", zap.Int("count", n), zap.Time("cutoff", cutoff))
	r.finish(span, JobPurge, start, n, nil)
	return n, nil
}

func (r *Reconciler) finish(span trace.Span, job string, start time.Time, affected int, err error) {
	span.SetAttributes(attribute.Int("affected", affected))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.ReconcileRun(job, time.Since(start).Seconds(), affected, err)
}

func (r *Reconciler) logFailedBatch(msg string, sessions []*types.KioskSession, err error) {
	for _, s := range sessions {
		r.logger.Error(msg,
			zap.String("kiosk_id", s.KioskID),
			zap.String("account_id", s.AccountID),
			zap.String("user_name", s.UserName),
			zap.String("user_email", s.UserEmail),
			zap.Time("last_heartbeat", s.LastHeartbeat),
			zap.Error(err))
	}
}

// RunDisconnectJob is the scheduled auto-disconnect run. Errors are logged
// and the next tick retries.
func (r *Reconciler) RunDisconnectJob(ctx context.Context) {
	n, err := r.DisconnectStale(ctx, r.clock.Now(), r.cfg.DisconnectAfter, types.ReasonAutoTimeout)
	if err != nil {
		r.logger.Error("scheduled auto-disconnect failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("scheduled auto-disconnect complete", zap.Int("disconnected", n))
	}
}

// RunPurgeJob is the scheduled purge run. Errors are logged and the next
// day's run retries.
func (r *Reconciler) RunPurgeJob(ctx context.Context) {
	n, err := r.PurgeDisconnected(ctx, r.clock.Now(), r.cfg.PurgeAfter)
	if err != nil {
		r.logger.Error("scheduled purge failed", zap.Error(err))
		return
	}
	r.logger.Info("scheduled purge complete", zap.Int("deleted", n))
}

// Register installs both jobs on s.
func (r *Reconciler) Register(s scheduler.Scheduler) error {
	if err := s.Every(JobDisconnectStale, r.cfg.ReconcileInterval, r.RunDisconnectJob); err != nil {
		return fmt.Errorf("registering %s: %w", JobDisconnectStale, err)
	}
	if err := s.Daily(JobPurge, r.cfg.PurgeAt, r.cfg.PurgeLocation, r.RunPurgeJob); err != nil {
		return fmt.Errorf("registering %s: %w", JobPurge, err)
	}
	return nil
}

// ManualParams are the operator inputs to RunManual. Zero means default.
type ManualParams struct {
	StaleMinutes float64 `json:"staleMinutes"`
	PurgeDays    float64 `json:"purgeDays"`
}

// Normalize applies defaults and rejects values that are negative, not a
// number, or too large to express as a time.Duration.
func (p ManualParams) Normalize() (ManualParams, error) {
	if !validWindow(p.StaleMinutes, time.Minute) || !validWindow(p.PurgeDays, 24*time.Hour) {
		return p, ErrInvalidParams
	}
	if p.StaleMinutes == 0 {
		p.StaleMinutes = DefaultStaleMinutes
	}
	if p.PurgeDays == 0 {
		p.PurgeDays = DefaultPurgeDays
	}
	return p, nil
}

func validWindow(v float64, unit time.Duration) bool {
	if math.IsNaN(v) || v < 0 {
		return false
	}
	return v*float64(unit) < math.MaxInt64
}

// RunManual runs the disconnect job (reason manual-cleanup) then the purge
// job with operator thresholds. It stops at the first failing step; the
// partial result and the error are both returned.
func (r *Reconciler) RunManual(ctx context.Context, params ManualParams) (types.CleanupResult, error) {
	result := types.CleanupResult{Errors: []string{}}

	params, err := params.Normalize()
	if err != nil {
		return result, err
	}

	runID := uuid.NewString()
	logger := r.logger.With(zap.String("run_id", runID))
	logger.Info("manual cleanup started",
		zap.Float64("stale_minutes", params.StaleMinutes),
		zap.Float64("purge_days", params.PurgeDays))

	now := r.clock.Now()
	staleWindow := time.Duration(params.StaleMinutes * float64(time.Minute))
	purgeWindow := time.Duration(params.PurgeDays * float64(24*time.Hour))

	result.StaleDisconnected, err = r.DisconnectStale(ctx, now, staleWindow, types.ReasonManualCleanup)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		logger.Error("manual cleanup failed", zap.String("step", JobDisconnectStale), zap.Error(err))
		return result, err
	}

	result.OldDeleted, err = r.PurgeDisconnected(ctx, now, purgeWindow)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		logger.Error("manual cleanup failed", zap.String("step", JobPurge), zap.Error(err))
		return result, err
	}

	logger.Info("manual cleanup complete",
		zap.Int("stale_disconnected", result.StaleDisconnected),
		zap.Int("old_deleted", result.OldDeleted))
	return result, nil
}

// Stats counts sessions at the reconciler's current time. Stale counts
// active sessions past the disconnect threshold.
func (r *Reconciler) Stats(ctx context.Context) (types.SessionStats, error) {
	now := r.clock.Now()
	stats := types.SessionStats{Timestamp: now}

	counts := []struct {
		dst *int
		q   types.SessionQuery
	}{
		{&stats.Total, types.SessionQuery{}},
		{&stats.Active, types.SessionQuery{Status: types.StatusActive}},
		{&stats.Stale, types.SessionQuery{Status: types.StatusActive, HeartbeatBefore: now.Add(-r.cfg.DisconnectAfter)}},
		{&stats.Disconnected, types.SessionQuery{Status: types.StatusDisconnected}},
	}
	for _, c := range counts {
		n, err := r.store.CountSessions(ctx, c.q)
		if err != nil {
			return types.SessionStats{}, fmt.Errorf("counting sessions: %w", err)
		}
		*c.dst = n
	}

	r.metrics.SessionGauges(stats.Active, stats.Stale)
	return stats, nil
}
