// Package relay implements the server side of meshcall: the presence
// directory mapping user ids to live transport sessions and the router
// that forwards negotiation envelopes between exactly two of them.
package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"meshcall/internal/core"
	"meshcall/internal/domain"
)

// Handle binds one transport endpoint to (at most) one user id.
// Created on connect, bound on login, invalidated on disconnect.
type Handle struct {
	SID  string
	Conn core.SessionConn

	// guarded by Directory.mu; zero until a successful login
	userID domain.UserID
	joined bool
}

// Directory is the relay's only cross-session shared state: the
// userId -> session table and the ordered roster. Every mutation is
// applied atomically under one mutex; broadcasts use TrySend and never
// block the lock on a slow receiver.
type Directory struct {
	mu      sync.Mutex
	byUser  map[domain.UserID]*Handle
	handles map[string]*Handle
	roster  domain.Roster
	mirror  RosterMirror
}

func NewDirectory(mirror RosterMirror) *Directory {
	if mirror == nil {
		mirror = NopMirror{}
	}
	return &Directory{
		byUser:  make(map[domain.UserID]*Handle),
		handles: make(map[string]*Handle),
		mirror:  mirror,
	}
}

// Register creates a fresh handle for a newly accepted transport
// connection. The handle carries no identity until Login succeeds.
func (d *Directory) Register(conn core.SessionConn) *Handle {
	h := &Handle{SID: uuid.NewString(), Conn: conn}
	d.mu.Lock()
	d.handles[h.SID] = h
	d.mu.Unlock()
	log.Info().Str("module", "relay.presence").Str("sid", h.SID).Msg("session registered")
	return h
}

// Login binds id to h. The zero id is reserved as "not logged in" and
// rejected outright. Fails with ErrDuplicateLogin if h is already
// bound or id already maps to a different live handle. A rejected
// login leaves the directory untouched.
func (d *Directory) Login(h *Handle, id domain.UserID) error {
	if id == 0 {
		return domain.ErrInvalidUserID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.userID != 0 {
		return domain.ErrDuplicateLogin
	}
	if _, ok := d.byUser[id]; ok {
		return domain.ErrDuplicateLogin
	}
	h.userID = id
	d.byUser[id] = h
	log.Info().Str("module", "relay.presence").Str("sid", h.SID).Str("user", id.String()).Msg("login")
	return nil
}

// Join adds h's user to the roster (tail position, moving it there if
// already present) and announces the new roster to every other live
// session.
func (d *Directory) Join(h *Handle) error {
	d.mu.Lock()
	if h.userID == 0 {
		d.mu.Unlock()
		return domain.ErrNotLoggedIn
	}
	id := h.userID
	h.joined = true
	d.roster = d.roster.Add(id)
	snapshot := append(domain.Roster(nil), d.roster...)
	d.broadcastLocked(h, domain.Envelope{
		Event:   domain.EventJoined,
		UserIDs: snapshot,
		UserID:  id,
	})
	d.mu.Unlock()

	d.mirror.Add(context.Background(), id)
	log.Info().Str("module", "relay.presence").Str("user", id.String()).Int("roster", len(snapshot)).Msg("join")
	return nil
}

// Leave removes h's user from the roster and announces the removal.
// Called explicitly or on transport disconnect.
func (d *Directory) Leave(h *Handle) error {
	d.mu.Lock()
	if h.userID == 0 {
		d.mu.Unlock()
		return domain.ErrNotLoggedIn
	}
	id := h.userID
	wasJoined := h.joined
	h.joined = false
	d.roster = d.roster.Remove(id)
	if wasJoined {
		d.broadcastLocked(h, domain.Envelope{
			Event:  domain.EventLeft,
			UserID: id,
		})
	}
	d.mu.Unlock()

	if wasJoined {
		d.mirror.Remove(context.Background(), id)
		log.Info().Str("module", "relay.presence").Str("user", id.String()).Msg("leave")
	}
	return nil
}

// Lookup returns the transport endpoint bound to id.
func (d *Directory) Lookup(id domain.UserID) (core.SessionConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byUser[id]
	if !ok {
		return nil, domain.ErrUnknownUser
	}
	return h.Conn, nil
}

// Disconnect drops h entirely: implicit leave if joined, identity
// unbound so the same id may log in again.
func (d *Directory) Disconnect(h *Handle) {
	_ = d.Leave(h)

	d.mu.Lock()
	if h.userID != 0 {
		delete(d.byUser, h.userID)
		h.userID = 0
	}
	delete(d.handles, h.SID)
	d.mu.Unlock()
	log.Info().Str("module", "relay.presence").Str("sid", h.SID).Msg("session disconnected")
}

// Roster returns a snapshot of the ordered roster.
func (d *Directory) Roster() domain.Roster {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(domain.Roster(nil), d.roster...)
}

// UserOf returns the id bound to h, if any.
func (d *Directory) UserOf(h *Handle) (domain.UserID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return h.userID, h.userID != 0
}

func (d *Directory) broadcastLocked(from *Handle, env domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.presence").Msg("broadcast marshal")
		return
	}
	sent, dropped := 0, 0
	for sid, h := range d.handles {
		if sid == from.SID {
			continue
		}
		if err := h.Conn.TrySend(core.Frame(data)); err != nil {
			dropped++
			continue
		}
		sent++
	}
	log.Debug().Str("module", "relay.presence").Str("event", env.Event).Int("sent_to", sent).Int("dropped", dropped).Msg("broadcast")
}
