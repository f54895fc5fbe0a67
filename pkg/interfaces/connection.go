package interfaces

// Connection represents a dashboard's live presence connection.
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetID returns the unique id assigned when the connection was accepted
	GetID() string

	// GetAccountID returns the account this connection watches,
	// or "" when it watches every active session
	GetAccountID() string
}
