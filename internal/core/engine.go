package core

import "encoding/json"

// ConnState is the connectivity of one peer connection, as reported by
// the media engine.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the state means the connection is gone for
// good and the owning peer session must be torn down.
func (s ConnState) Terminal() bool {
	return s == ConnStateDisconnected || s == ConnStateFailed || s == ConnStateClosed
}

// Track is a local media track a connection can send. Opaque to the
// mesh; only the engine adapter knows the concrete type.
type Track interface {
	ID() string
	Kind() string
}

// RemoteTrack is a media track received from the remote peer.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// DataChannel is the bidirectional text channel created alongside
// every peer connection.
type DataChannel interface {
	Send(msg string) error
	Close() error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(msg string))
}

// PeerConnection is the engine-side half of one peer session.
// Descriptions and candidates are raw JSON end to end so they can be
// relayed without interpretation. Callbacks fire on engine goroutines;
// the caller is responsible for re-entering its own execution context.
type PeerConnection interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetLocalDescription(d json.RawMessage) error
	SetRemoteDescription(d json.RawMessage) error
	AddICECandidate(c json.RawMessage) error
	AddTrack(t Track) error
	CreateDataChannel(label string) (DataChannel, error)

	OnICECandidate(fn func(c json.RawMessage))
	OnConnectionStateChange(fn func(s ConnState))
	OnTrack(fn func(t RemoteTrack))
	OnDataChannel(fn func(ch DataChannel))

	Close() error
}

// Capture is the shared local media source. Acquired at most once per
// client and attached read-only to every peer connection; released
// when the last session tears down.
type Capture interface {
	Tracks() []Track
	Close()
}

// Engine is the opaque media-transport factory.
type Engine interface {
	NewConnection() (PeerConnection, error)
	NewCapture() (Capture, error)
}
