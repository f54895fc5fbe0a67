package websocket

import "sync"

// Registry tracks open dashboard connections.
// TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Connection
	byAccount map[string]map[string]*Connection // accountID -> connID -> conn; "" is the all-sessions scope
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Connection),
		byAccount: make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds conn under its id and watched account.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.GetID()
	if _, exists := r.byID[id]; exists {
		return ErrDuplicateConnection
	}
	r.byID[id] = conn

	account := conn.GetAccountID()
	if r.byAccount[account] == nil {
		r.byAccount[account] = make(map[string]*Connection)
	}
	r.byAccount[account][id] = conn
	return nil
}

// UnregisterConnection removes conn. Idempotent; reports whether anything was removed.
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.GetID()
	if registered, exists := r.byID[id]; !exists || registered != conn {
		return false
	}
	delete(r.byID, id)

	account := conn.GetAccountID()
	if conns, exists := r.byAccount[account]; exists {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byAccount, account)
		}
	}
	return true
}

// GetConnection looks a connection up by id.
func (r *Registry) GetConnection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// AccountConnections returns the connections watching accountID.
func (r *Registry) AccountConnections(accountID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byAccount[accountID]))
	for _, conn := range r.byAccount[accountID] {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CloseAll closes every registered connection. Handlers unregister them
// as their read loops exit.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accounts := len(r.byAccount)
	if _, ok := r.byAccount[""]; ok {
		accounts--
	}
	return map[string]int{
		"total_connections": len(r.byID),
		"all_watchers":      len(r.byAccount[""]),
		"watched_accounts":  accounts,
	}
}
