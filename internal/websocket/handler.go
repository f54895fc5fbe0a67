package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kioskwatch/internal/metrics"
	"kioskwatch/internal/presence"
	"kioskwatch/pkg/types"
)

// MessageTypePresenceSnapshot tags every pushed snapshot.
const MessageTypePresenceSnapshot = "presence_snapshot"

// Snapshot scopes.
const (
	ScopeAll     = "all"
	ScopeAccount = "account"
)

// SnapshotMessage is the only message the server pushes. For the account
// scope Sessions holds zero or one entry.
type SnapshotMessage struct {
	Type      string                 `json:"type"`
	Scope     string                 `json:"scope"`
	AccountID string                 `json:"accountId,omitempty"`
	Sessions  []presence.SessionView `json:"sessions"`
	Timestamp time.Time              `json:"timestamp"`
}

// Config tunes keepalive and buffering.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	CheckOrigin  func(r *http.Request) bool
}

// DefaultConfig pings every 30s and drops peers silent for 60s.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: DefaultWriteTimeout,
		BufferSize:   DefaultBufferSize,
	}
}

// Handler upgrades dashboard requests and streams presence snapshots.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
type Handler struct {
	registry  *Registry
	reader    *presence.Reader
	evaluator *presence.Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config
	upgrader  websocket.Upgrader
}

// NewHandler wires a handler. metrics and logger may be nil.
func NewHandler(registry *Registry, reader *presence.Reader, evaluator *presence.Evaluator, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		registry:  registry,
		reader:    reader,
		evaluator: evaluator,
		metrics:   m,
		logger:    logger.With(zap.String("component", "websocket")),
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// ServeHTTP handles GET /ws/sessions[?account_id=X].
// FUNCTIONAL DISCOVERY: WebSocket upgrade after validation prevents resource waste
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID != "" && !types.IsValidAccountID(accountID) {
		http.Error(w, "Invalid account_id format", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, accountID, h.cfg.BufferSize, h.cfg.WriteTimeout)
	if err := h.registry.RegisterConnection(conn); err != nil {
		h.logger.Error("failed to register connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	h.metrics.SubscriberDelta(1)
	h.logger.Debug("dashboard connected", zap.String("conn_id", conn.GetID()), zap.String("account_id", accountID))

	unsubscribe := h.subscribe(conn)
	go h.handleConnection(conn, unsubscribe)
}

// subscribe starts the snapshot stream for conn. The first snapshot is
// delivered immediately.
func (h *Handler) subscribe(conn *Connection) func() {
	accountID := conn.GetAccountID()
	if accountID == "" {
		return h.reader.SubscribeActiveSessions(conn.ctx, func(sessions []*types.KioskSession) {
			h.push(conn, SnapshotMessage{
				Type:     MessageTypePresenceSnapshot,
				Scope:    ScopeAll,
				Sessions: h.evaluator.Views(sessions),
			})
		})
	}

	return h.reader.SubscribeAccountSession(conn.ctx, accountID, func(s *types.KioskSession) {
		views := []presence.SessionView{}
		if s != nil {
			views = append(views, h.evaluator.View(s))
		}
		h.push(conn, SnapshotMessage{
			Type:      MessageTypePresenceSnapshot,
			Scope:     ScopeAccount,
			AccountID: accountID,
			Sessions:  views,
		})
	})
}

func (h *Handler) push(conn *Connection, msg SnapshotMessage) {
	msg.Timestamp = h.evaluator.Clock.Now()
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("dropping snapshot", zap.String("conn_id", conn.GetID()), zap.Error(err))
		_ = conn.Close()
	}
}

// handleConnection runs the read pump and ping loop until the peer leaves.
// TECHNICAL DISCOVERY: read deadline extended on every pong provides reliable liveness detection
func (h *Handler) handleConnection(conn *Connection, unsubscribe func()) {
	defer func() {
		unsubscribe()
		if h.registry.UnregisterConnection(conn) {
			h.metrics.SubscriberDelta(-1)
		}
		_ = conn.Close()
		h.logger.Debug("dashboard disconnected", zap.String("conn_id", conn.GetID()))
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	// Dashboards never send data; reading drives pong and close handling.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
