package core

// Frame is a raw signaling payload.
type Frame []byte

// SessionID identifies one signaling connection.
type SessionID string

// SignalConnection abstracts the per-connection messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
