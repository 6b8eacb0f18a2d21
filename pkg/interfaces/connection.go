package interfaces

// Connection is a room member's send endpoint as seen by the registry and broadcaster.
// Implementations must be safe for concurrent Send calls and must report a closed or
// unreachable peer through Send's error.
type Connection interface {
	// ID uniquely identifies the connection for logging.
	ID() string

	// Send queues an already-serialized frame for delivery.
	Send(data []byte) error

	// Close releases the underlying socket. Only the owning session calls it.
	Close() error
}
