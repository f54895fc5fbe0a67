package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub fans committed session changes out to presence subscribers.
// ARCHITECTURAL DISCOVERY: The store publishes after commit and never blocks
// on slow readers; each subscriber holds at most one pending signal.
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs reconciliation bursts
	publishChannel  chan []string
	shutdownChannel chan struct{}
	done            chan struct{}

	subsMu      sync.RWMutex
	subscribers map[*Subscription]struct{}

	logger  *zap.Logger
	running bool
	stopped bool // latched by Stop or context cancel; a hub never restarts
	mu      sync.RWMutex
}

// Subscription receives a coalesced signal whenever a matching kiosk changes.
type Subscription struct {
	filter func(kioskID string) bool
	signal chan struct{}
	once   sync.Once
}

// Changes is closed when the subscription ends.
func (s *Subscription) Changes() <-chan struct{} {
	return s.signal
}

func (s *Subscription) matches(kioskIDs []string) bool {
	if s.filter == nil || kioskIDs == nil {
		return true
	}
	for _, id := range kioskIDs {
		if s.filter(id) {
			return true
		}
	}
	return false
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
		// already pending; the reader will pick up the latest state
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.signal) })
}

// NewHub creates a new hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		publishChannel:  make(chan []string, 1000),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		subscribers:     make(map[*Subscription]struct{}),
		logger:          logger.With(zap.String("component", "hub")),
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	if h.stopped {
		h.mu.Unlock()
		return ErrHubStopped
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting change hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and ends every subscription.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.done
	h.logger.Info("change hub stopped")
	return nil
}

// IsRunning reports whether the run loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Subscribe registers a subscriber. A nil filter matches every kiosk.
// Registration is synchronous so a snapshot taken after Subscribe returns
// cannot miss a later change.
func (h *Hub) Subscribe(filter func(kioskID string) bool) (*Subscription, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return nil, ErrHubNotRunning
	}

	sub := &Subscription{filter: filter, signal: make(chan struct{}, 1)}
	h.subsMu.Lock()
	h.subscribers[sub] = struct{}{}
	h.subsMu.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.subsMu.Lock()
	delete(h.subscribers, sub)
	h.subsMu.Unlock()
	sub.close()
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subscribers)
}

// Publish queues a change notification for the given kiosk ids.
// TECHNICAL DISCOVERY: Non-blocking send; on overflow every subscriber is
// signalled directly so no change is lost.
func (h *Hub) Publish(kioskIDs []string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.publishChannel <- kioskIDs:
	default:
		h.logger.Warn("publish channel full, broadcasting to all subscribers")
		h.broadcast(nil)
	}
	return nil
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case kioskIDs := <-h.publishChannel:
			h.broadcast(kioskIDs)

		case <-h.shutdownChannel:
			h.logger.Debug("hub shutdown requested")
			return

		case <-ctx.Done():
			h.logger.Debug("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.stopped = true
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) broadcast(kioskIDs []string) {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	for sub := range h.subscribers {
		if sub.matches(kioskIDs) {
			sub.notify()
		}
	}
}

func (h *Hub) closeAll() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for sub := range h.subscribers {
		sub.close()
		delete(h.subscribers, sub)
	}
}
