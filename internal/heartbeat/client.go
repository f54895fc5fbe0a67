// Package heartbeat runs the kiosk-side liveness loop.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"kioskwatch/internal/metrics"
	"kioskwatch/pkg/types"
)

// DefaultInterval matches the kiosk terminal's heartbeat cadence.
const DefaultInterval = 60 * time.Second

// Writer persists heartbeats and session ends. Implemented in-process by
// session.Manager and over HTTP by kioskclient.Client.
type Writer interface {
	Heartbeat(ctx context.Context, kioskID string) error
	EndSession(ctx context.Context, kioskID string, reason types.DisconnectReason) error
}

// Client sends one heartbeat immediately and then one per interval until
// End or the context passed to Start is cancelled. Write failures are logged
// and retried on the next tick; they never stop the loop.
type Client struct {
	writer   Writer
	kioskID  string
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	ended    bool
	lastSent time.Time
	sent     int
	failures int
}

// Option configures a Client.
type Option func(*Client)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClock injects the clock driving the ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records heartbeat outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for one kiosk.
func NewClient(writer Writer, kioskID string, opts ...Option) (*Client, error) {
	if !types.IsValidKioskID(kioskID) {
		return nil, ErrInvalidKioskID
	}
	c := &Client{
		writer:   writer,
		kioskID:  kioskID,
		interval: DefaultInterval,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "heartbeat"), zap.String("kiosk_id", kioskID))
	return c, nil
}

// Start launches the heartbeat loop. The first heartbeat is written before
// Start returns.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrEnded
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.beat(loopCtx)

	// ticker is created before the goroutine so a fake clock sees it at once
	ticker := c.clock.NewTicker(c.interval)
	go c.loop(loopCtx, ticker)
	return nil
}

func (c *Client) loop(ctx context.Context, ticker clockwork.Ticker) {
	defer close(c.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) beat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := c.clock.Now()
	c.mu.Lock()
	if !c.lastSent.IsZero() && now.Before(c.lastSent) {
		c.mu.Unlock()
		c.logger.Warn("local clock moved backwards, skipping heartbeat",
			zap.Time("now", now), zap.Time("last_sent", c.lastSent))
		c.metrics.Heartbeat("skipped")
		return
	}
	c.mu.Unlock()

	if err := c.writer.Heartbeat(ctx, c.kioskID); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		c.logger.Warn("heartbeat write failed, retrying next tick", zap.Error(err))
		c.metrics.Heartbeat("error")
		return
	}

	c.mu.Lock()
	c.lastSent = now
	c.sent++
	c.mu.Unlock()
	c.metrics.Heartbeat("ok")
}

// Stop halts the loop without ending the session. Safe to call when not started.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// End stops the loop and then marks the session disconnected. An empty
// reason means user-logout. No heartbeat is written after End returns.
func (c *Client) End(ctx context.Context, reason types.DisconnectReason) error {
	if reason == "" {
		reason = types.ReasonUserLogout
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrEnded
	}
	c.ended = true
	c.mu.Unlock()

	c.Stop()
	return c.writer.EndSession(ctx, c.kioskID, reason)
}

// Stats returns successful and failed write counts.
func (c *Client) Stats() (sent, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.failures
}
