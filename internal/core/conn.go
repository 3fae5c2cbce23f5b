// Package core holds the interfaces the relay and the mesh client are
// written against. Adapters (websocket, pion) live elsewhere.
package core

// Frame is one encoded signaling envelope.
type Frame []byte

// SessionConn abstracts the transport endpoint bound to one client.
// Owned by the adapter; the adapter must Close() it.
type SessionConn interface {
	TrySend(Frame) error
	Close()
}
