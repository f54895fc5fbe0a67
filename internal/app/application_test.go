package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kioskwatch/internal/config"
	"kioskwatch/internal/kioskclient"
	"kioskwatch/internal/presence"
	"kioskwatch/internal/reconcile"
	wsh "kioskwatch/internal/websocket"
	"kioskwatch/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.Presence.PurgeTimezone = "UTC"
	return cfg
}

type harness struct {
	app   *Application
	clock clockwork.FakeClock
	base  string
	kiosk *kioskclient.Client
}

func startApp(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	application, err := NewApplication(testConfig(t), WithClock(clock), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, application.Serve(context.Background(), ln))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	base := "http://" + application.GetAddr()
	kc, err := kioskclient.New(base)
	require.NoError(t, err)
	return &harness{app: application, clock: clock, base: base, kiosk: kc}
}

func (h *harness) view(t *testing.T, kioskID string) (presence.SessionView, int) {
	t.Helper()
	resp, err := http.Get(h.base + "/api/kiosks/" + kioskID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var v presence.SessionView
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	}
	return v, resp.StatusCode
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg, WithLogger(zap.NewNop()))
	assert.Error(t, err)
	assert.Nil(t, application)
}

func TestNewApplication_RegistersJobs(t *testing.T) {
	application, err := NewApplication(testConfig(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer application.Close()

	assert.ElementsMatch(t,
		[]string{reconcile.JobDisconnectStale, reconcile.JobPurge, JobLimiterCleanup, JobSessionGauges},
		application.Scheduler().Names())
}

// Fresh session, stale for display, auto-disconnect, purge.
func TestApplication_SessionLifecycleEndToEnd(t *testing.T) {
	h := startApp(t)
	ctx := context.Background()

	sess, err := h.kiosk.Open(ctx, "MEGG-679622", "Juan Dela Cruz", "juan@example.com")
	require.NoError(t, err)
	kioskID := sess.KioskID
	assert.Equal(t, "KIOSK-MEGG-679622", kioskID)

	// t=0: active and fresh
	v, code := h.view(t, kioskID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.StatusActive, v.Status)
	assert.False(t, v.IsStale)
	assert.Nil(t, v.DisconnectedAt)

	// t=6m: stale on the dashboard but still active
	h.clock.Advance(6 * time.Minute)
	v, _ = h.view(t, kioskID)
	assert.True(t, v.IsStale)
	assert.Equal(t, types.StatusActive, v.Status)
	h.app.Reconciler().RunDisconnectJob(ctx)
	v, _ = h.view(t, kioskID)
	assert.Equal(t, types.StatusActive, v.Status, "10 minute threshold not reached yet")

	// t=11m: auto-disconnect
	h.clock.Advance(5 * time.Minute)
	h.app.Reconciler().RunDisconnectJob(ctx)
	v, _ = h.view(t, kioskID)
	assert.Equal(t, types.StatusDisconnected, v.Status)
	assert.Equal(t, types.ReasonAutoTimeout, v.DisconnectedReason)
	require.NotNil(t, v.DisconnectedAt)
	assert.True(t, v.DisconnectedAt.Equal(t0.Add(11*time.Minute)))

	// purge counts from the disconnect, not the last real heartbeat
	h.clock.Advance(29 * 24 * time.Hour)
	h.app.Reconciler().RunPurgeJob(ctx)
	_, code = h.view(t, kioskID)
	assert.Equal(t, http.StatusOK, code)

	h.clock.Advance(2 * 24 * time.Hour)
	h.app.Reconciler().RunPurgeJob(ctx)
	_, code = h.view(t, kioskID)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestApplication_HeartbeatRevivesDisconnectedSession(t *testing.T) {
	h := startApp(t)
	ctx := context.Background()

	sess, err := h.kiosk.Open(ctx, "MEGG-1", "Juan", "")
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	h.app.Reconciler().RunDisconnectJob(ctx)

	h.clock.Advance(time.Second)
	require.NoError(t, h.kiosk.Heartbeat(ctx, sess.KioskID))

	v, _ := h.view(t, sess.KioskID)
	assert.Equal(t, types.StatusActive, v.Status)
	assert.Nil(t, v.DisconnectedAt)
	assert.True(t, v.LastHeartbeat.Equal(h.clock.Now()))

	h.app.Reconciler().RunDisconnectJob(ctx)
	v, _ = h.view(t, sess.KioskID)
	assert.Equal(t, types.StatusActive, v.Status)
}

func TestApplication_DashboardSeesAutoDisconnect(t *testing.T) {
	h := startApp(t)
	ctx := context.Background()

	_, err := h.kiosk.Open(ctx, "MEGG-2", "Maria", "")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(h.base, "http") + "/ws/sessions?account_id=MEGG-2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wsh.SnapshotMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg wsh.SnapshotMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	require.Len(t, first.Sessions, 1)
	assert.Equal(t, "Maria", first.Sessions[0].UserName)

	h.clock.Advance(11 * time.Minute)
	h.app.Reconciler().RunDisconnectJob(ctx)

	for {
		msg := read()
		if len(msg.Sessions) == 0 {
			break
		}
	}
}

func TestApplication_CleanupAndStatsEndpoints(t *testing.T) {
	h := startApp(t)
	ctx := context.Background()

	_, err := h.kiosk.Open(ctx, "MEGG-3", "Ana", "")
	require.NoError(t, err)
	h.clock.Advance(15 * time.Minute)

	resp, err := http.Post(h.base+"/cleanup", "application/json", strings.NewReader(`{"staleMinutes": 10}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var cleanup struct {
		Success bool                `json:"success"`
		Results types.CleanupResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &cleanup))
	assert.True(t, cleanup.Success)
	assert.Equal(t, 1, cleanup.Results.StaleDisconnected)
	assert.Equal(t, 0, cleanup.Results.OldDeleted)
	assert.Empty(t, cleanup.Results.Errors)

	v, _ := h.view(t, "KIOSK-MEGG-3")
	assert.Equal(t, types.ReasonManualCleanup, v.DisconnectedReason)

	resp, err = http.Get(h.base + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats struct {
		Success bool               `json:"success"`
		Stats   types.SessionStats `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.True(t, stats.Success)
	assert.Equal(t, 1, stats.Stats.Total)
	assert.Equal(t, 0, stats.Stats.Active)
	assert.Equal(t, 1, stats.Stats.Disconnected)
}

func TestApplication_HealthAndMetrics(t *testing.T) {
	h := startApp(t)

	resp, err := http.Get(h.base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "kioskwatch_http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}
