package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"kioskwatch/internal/hub"
	"kioskwatch/pkg/interfaces"
	"kioskwatch/pkg/types"
)

// Reader turns store changes into live snapshots. Callbacks never see an
// error: a failed read delivers an empty list or nil.
type Reader struct {
	store   interfaces.SessionStore
	hub     *hub.Hub
	clock   clockwork.Clock
	refresh time.Duration
	logger  *zap.Logger
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithRefresh re-delivers the snapshot every interval even without writes,
// so consumers can recompute time-derived fields like staleness.
func WithRefresh(interval time.Duration) ReaderOption {
	return func(r *Reader) { r.refresh = interval }
}

// WithClock sets the clock driving refresh ticks.
func WithClock(clock clockwork.Clock) ReaderOption {
	return func(r *Reader) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ReaderOption {
	return func(r *Reader) { r.logger = logger }
}

// NewReader creates a reader over store, woken by h.
func NewReader(store interfaces.SessionStore, h *hub.Hub, opts ...ReaderOption) *Reader {
	r := &Reader{
		store:  store,
		hub:    h,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "presence"))
	return r
}

// ActiveSessions returns every active session, newest start first.
func (r *Reader) ActiveSessions(ctx context.Context) ([]*types.KioskSession, error) {
	return r.store.QuerySessions(ctx, types.SessionQuery{
		Status:           types.StatusActive,
		OrderByStartDesc: true,
	})
}

// AccountSession returns the active session owned by accountID, or nil.
func (r *Reader) AccountSession(ctx context.Context, accountID string) (*types.KioskSession, error) {
	s, err := r.store.GetSession(ctx, types.KioskIDFor(accountID))
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.IsActive() {
		return nil, nil
	}
	return s, nil
}

// SubscribeActiveSessions calls cb with the active session list now and
// after every committed change. The returned func stops delivery and may be
// called more than once.
func (r *Reader) SubscribeActiveSessions(ctx context.Context, cb func([]*types.KioskSession)) func() {
	snapshot := func() {
		sessions, err := r.ActiveSessions(ctx)
		if err != nil {
			r.logger.Warn("active sessions snapshot failed", zap.Error(err))
			sessions = []*types.KioskSession{}
		}
		cb(sessions)
	}
	return r.subscribe(ctx, nil, snapshot, func() { cb([]*types.KioskSession{}) })
}

// SubscribeAccountSession is the single-account variant. cb receives nil
// when the account has no active session or the read fails.
func (r *Reader) SubscribeAccountSession(ctx context.Context, accountID string, cb func(*types.KioskSession)) func() {
	kioskID := types.KioskIDFor(accountID)
	snapshot := func() {
		s, err := r.AccountSession(ctx, accountID)
		if err != nil {
			r.logger.Warn("account session snapshot failed",
				zap.String("kiosk_id", kioskID), zap.Error(err))
			s = nil
		}
		cb(s)
	}
	filter := func(id string) bool { return id == kioskID }
	return r.subscribe(ctx, filter, snapshot, func() { cb(nil) })
}

func (r *Reader) subscribe(ctx context.Context, filter func(string) bool, snapshot, onError func()) func() {
	sub, err := r.hub.Subscribe(filter)
	if err != nil {
		r.logger.Warn("presence subscription failed", zap.Error(err))
		onError()
		return func() {}
	}

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			r.hub.Unsubscribe(sub)
		})
	}

	go func() {
		var tick <-chan time.Time
		if r.refresh > 0 {
			ticker := r.clock.NewTicker(r.refresh)
			defer ticker.Stop()
			tick = ticker.Chan()
		}

		deliver := func() bool {
			select {
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			default:
			}
			snapshot()
			return true
		}

		if !deliver() {
			return
		}
		for {
			select {
			case _, ok := <-sub.Changes():
				if !ok {
					return
				}
			case <-tick:
			case <-stop:
				return
			case <-ctx.Done():
				unsubscribe()
				return
			}
			if !deliver() {
				return
			}
		}
	}()

	return unsubscribe
}
