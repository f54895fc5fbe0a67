package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"kioskwatch/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockWriter records calls and can be told to fail.
type mockWriter struct {
	mu     sync.Mutex
	beats  chan time.Time
	clock  clockwork.Clock
	fail   bool
	ended  []types.DisconnectReason
	endErr error
	calls  int
}

func newMockWriter(clock clockwork.Clock) *mockWriter {
	return &mockWriter{beats: make(chan time.Time, 32), clock: clock}
}

func (w *mockWriter) Heartbeat(ctx context.Context, kioskID string) error {
	w.mu.Lock()
	w.calls++
	fail := w.fail
	w.mu.Unlock()

	if fail {
		w.beats <- time.Time{}
		return errors.New("store unavailable")
	}
	w.beats <- w.clock.Now()
	return nil
}

func (w *mockWriter) EndSession(ctx context.Context, kioskID string, reason types.DisconnectReason) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ended = append(w.ended, reason)
	return w.endErr
}

func (w *mockWriter) setFail(fail bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail = fail
}

func (w *mockWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *mockWriter) next(t *testing.T) time.Time {
	t.Helper()
	select {
	case at := <-w.beats:
		return at
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
	return time.Time{}
}

func (w *mockWriter) none(t *testing.T) {
	t.Helper()
	select {
	case <-w.beats:
		t.Fatal("unexpected heartbeat")
	case <-time.After(50 * time.Millisecond):
	}
}

// assertStats waits for the loop to record the last write.
func assertStats(t *testing.T, c *Client, wantSent, wantFailures int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		sent, failures := c.Stats()
		return sent == wantSent && failures == wantFailures
	}, time.Second, 5*time.Millisecond)
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*Client, *mockWriter, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	w := newMockWriter(clock)
	c, err := NewClient(w, "KIOSK-MEGG-1",
		WithClock(clock),
		WithInterval(time.Minute),
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return c, w, clock
}

func TestNewClient_RequiresKioskID(t *testing.T) {
	_, err := NewClient(newMockWriter(clockwork.NewRealClock()), "MEGG-1")
	assert.ErrorIs(t, err, ErrInvalidKioskID)
}

func TestClient_BeatsImmediatelyThenEveryInterval(t *testing.T) {
	c, w, clock := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Equal(t, t0, w.next(t))

	clock.BlockUntil(1)
	clock.Advance(59 * time.Second)
	w.none(t)

	clock.Advance(time.Second)
	assert.Equal(t, t0.Add(time.Minute), w.next(t))

	clock.Advance(time.Minute)
	assert.Equal(t, t0.Add(2*time.Minute), w.next(t))

	assertStats(t, c, 3, 0)
}

func TestClient_FailureRetriesNextTick(t *testing.T) {
	c, w, clock := newTestClient(t)
	w.setFail(true)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	w.next(t)
	clock.BlockUntil(1)

	clock.Advance(time.Minute)
	w.next(t)

	w.setFail(false)
	clock.Advance(time.Minute)
	assert.Equal(t, t0.Add(2*time.Minute), w.next(t))

	assertStats(t, c, 1, 2)
}

func TestClient_EndStopsBeforeEnding(t *testing.T) {
	c, w, clock := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))
	w.next(t)

	require.NoError(t, c.End(context.Background(), ""))
	assert.Equal(t, []types.DisconnectReason{types.ReasonUserLogout}, w.ended)

	calls := w.callCount()
	clock.Advance(5 * time.Minute)
	w.none(t)
	assert.Equal(t, calls, w.callCount())

	assert.ErrorIs(t, c.End(context.Background(), ""), ErrEnded)
	assert.ErrorIs(t, c.Start(context.Background()), ErrEnded)
}

func TestClient_EndReportsWriterError(t *testing.T) {
	c, w, _ := newTestClient(t)
	w.endErr = errors.New("offline")

	assert.EqualError(t, c.End(context.Background(), types.ReasonUserLogout), "offline")
}

func TestClient_DoubleStart(t *testing.T) {
	c, w, _ := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	w.next(t)

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestClient_ContextCancelStopsLoop(t *testing.T) {
	c, w, clock := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	w.next(t)

	cancel()
	c.Stop()
	clock.Advance(time.Minute)
	w.none(t)
}

// backwardsClock reports a time earlier than the previous reading once.
type backwardsClock struct {
	clockwork.FakeClock
	mu     sync.Mutex
	rewind bool
}

func (b *backwardsClock) Now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rewind {
		b.rewind = false
		return b.FakeClock.Now().Add(-time.Hour)
	}
	return b.FakeClock.Now()
}

func TestClient_SkipsRegressiveTimestamp(t *testing.T) {
	fake := clockwork.NewFakeClockAt(t0)
	clock := &backwardsClock{FakeClock: fake}
	w := newMockWriter(fake)
	c, err := NewClient(w, "KIOSK-MEGG-1", WithClock(clock), WithInterval(time.Minute))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	w.next(t)
	fake.BlockUntil(1)

	clock.mu.Lock()
	clock.rewind = true
	clock.mu.Unlock()
	fake.Advance(time.Minute)
	w.none(t)

	fake.Advance(time.Minute)
	assert.Equal(t, t0.Add(2*time.Minute), w.next(t))

	assertStats(t, c, 2, 0)
}
