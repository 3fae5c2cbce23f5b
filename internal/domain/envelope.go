package domain

import "encoding/json"

// Event names carried on the wire. Client-originated events mirror the
// relay-originated ones except for the roster broadcasts, which only
// the relay emits.
const (
	EventLogin        = "login"
	EventJoin         = "join"
	EventLeave        = "leave"
	EventMessage      = "message"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "iceCandidate"

	// relay -> client only
	EventJoined     = "joined"
	EventLeft       = "left"
	EventLoginOK    = "loginOk"
	EventLoginError = "loginError"
)

// Envelope is the single wire shape for every signaling event, one
// JSON object per websocket text message. Which fields are set depends
// on Event. Description and Candidate stay raw: the relay forwards
// them verbatim and never looks inside.
type Envelope struct {
	Event       string          `json:"event"`
	From        UserID          `json:"from,omitempty"`
	To          UserID          `json:"to,omitempty"`
	UserID      UserID          `json:"userId,omitempty"`
	UserIDs     Roster          `json:"userIds,omitempty"`
	Message     string          `json:"message,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Directed reports whether the envelope targets a single recipient and
// should go through the router rather than the directory.
func (e Envelope) Directed() bool {
	switch e.Event {
	case EventMessage, EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}
