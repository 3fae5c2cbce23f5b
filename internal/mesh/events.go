package mesh

import (
	"meshcall/internal/core"
	"meshcall/internal/domain"
)

// EventKind tags the events the coordinator surfaces to its consumer.
// Roster and connection-state events are the only reporting channel;
// there is no separate error stream beyond EventError.
type EventKind int

const (
	EventLoggedIn      EventKind = iota // login accepted by the relay
	EventRoster                         // a user joined; UserIDs is the full roster
	EventUserLeft                       // a user left the roster
	EventOfferReceived                  // inbound offer awaiting Accept/Reject
	EventPeerState                      // peer session state transition
	EventChannelOpen                    // data channel ready to send
	EventChannelClosed
	EventDataMessage // inbound data-channel text
	EventChat        // relayed chat message
	EventRemoteTrack // remote media track attached
	EventCaptureStarted
	EventCaptureStopped
	EventError
)

// Event is the tagged union delivered on the coordinator's events
// channel. Which fields are set depends on Kind.
type Event struct {
	Kind     EventKind
	UserID   domain.UserID
	UserIDs  domain.Roster
	State    PeerState
	Text     string
	Track    core.RemoteTrack
	Channels int
	Err      error
}
