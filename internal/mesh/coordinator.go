package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"meshcall/internal/core"
	"meshcall/internal/domain"
)

// Coordinator owns the set of peer sessions, the shared local capture
// and the signal channel. It runs a single event loop: every inbound
// envelope and every local command executes to completion on that loop,
// so peer sessions need no locking. Engine callbacks re-enter through
// the command channel.
type Coordinator struct {
	local  domain.UserID
	signal SignalChannel
	engine core.Engine

	peers map[domain.UserID]*PeerSession
	// Candidates that arrive before any session exists for their
	// sender (racing ahead of the offer) wait here.
	early map[domain.UserID]*CandidateBuffer

	capture core.Capture

	events chan Event
	cmds   chan func()

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func NewCoordinator(local domain.UserID, signal SignalChannel, engine core.Engine) *Coordinator {
	return &Coordinator{
		local:  local,
		signal: signal,
		engine: engine,
		peers:  make(map[domain.UserID]*PeerSession),
		early:  make(map[domain.UserID]*CandidateBuffer),
		events: make(chan Event, 128),
		cmds:   make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Events is the typed stream the consumer (UI) subscribes to. It is
// closed after shutdown completes.
func (m *Coordinator) Events() <-chan Event { return m.events }

// Run processes envelopes and commands until the context is canceled,
// Shutdown is called or the signal channel drops. Envelopes between the
// same two users are handled in arrival order.
func (m *Coordinator) Run(ctx context.Context) {
	defer close(m.done)
	defer close(m.events)
	defer m.teardownAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case fn := <-m.cmds:
			fn()
		case env, ok := <-m.signal.Events():
			if !ok {
				m.emit(Event{Kind: EventError, Err: domain.ErrTransportClosed})
				return
			}
			m.handleEnvelope(env)
		}
	}
}

// Shutdown stops the loop; Run tears down every session, releases the
// capture and closes the signal channel before returning.
func (m *Coordinator) Shutdown() {
	m.quitOnce.Do(func() { close(m.quit) })
	<-m.done
}

// Call starts (or resumes) a negotiation with remote. Repeated calls
// for the same remote are single-flight: an existing live session is
// reused, never duplicated.
func (m *Coordinator) Call(remote domain.UserID) {
	m.do(func() { m.startOffer(remote) })
}

// Accept answers the pending offer from remote.
func (m *Coordinator) Accept(remote domain.UserID) {
	m.do(func() { m.accept(remote) })
}

// Reject silently declines the pending offer from remote.
func (m *Coordinator) Reject(remote domain.UserID) {
	m.do(func() {
		if s, ok := m.peers[remote]; ok {
			s.Reject()
		}
	})
}

// SendChat routes a chat message to one user via the relay.
func (m *Coordinator) SendChat(to domain.UserID, text string) {
	m.do(func() {
		if err := m.signal.SendMessage(to, text); err != nil {
			m.emit(Event{Kind: EventError, UserID: to, Err: err})
		}
	})
}

// SendData fans text out to every open data channel.
func (m *Coordinator) SendData(text string) {
	m.do(func() {
		for _, s := range m.peers {
			s.SendData(text)
		}
	})
}

func (m *Coordinator) do(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.quit:
	}
}

func (m *Coordinator) handleEnvelope(env domain.Envelope) {
	switch env.Event {
	case domain.EventLoginOK:
		m.emit(Event{Kind: EventLoggedIn, UserID: env.UserID})
	case domain.EventLoginError:
		m.emit(Event{Kind: EventError, Err: fmt.Errorf("login rejected: %s", env.Error)})
	case domain.EventJoined:
		m.emit(Event{Kind: EventRoster, UserIDs: env.UserIDs, UserID: env.UserID})
	case domain.EventLeft:
		// Early candidates from a sender whose offer never arrived
		// would otherwise sit here forever.
		delete(m.early, env.UserID)
		m.emit(Event{Kind: EventUserLeft, UserID: env.UserID})
	case domain.EventMessage:
		m.emit(Event{Kind: EventChat, UserID: env.From, Text: env.Message})
	case domain.EventOffer:
		m.receiveOffer(env.From, env.Description)
	case domain.EventAnswer:
		s, ok := m.peers[env.From]
		if !ok {
			log.Debug().Str("module", "mesh").Str("from", env.From.String()).Msg("answer for nonexistent peer session")
			return
		}
		_ = s.ReceiveAnswer(env.Description)
	case domain.EventICECandidate:
		if s, ok := m.peers[env.From]; ok {
			s.ReceiveCandidate(env.Candidate)
			return
		}
		m.earlyBuf(env.From).Push(env.Candidate)
	default:
		log.Debug().Str("module", "mesh").Str("event", env.Event).Msg("unhandled event")
	}
}

func (m *Coordinator) earlyBuf(id domain.UserID) *CandidateBuffer {
	buf, ok := m.early[id]
	if !ok {
		buf = &CandidateBuffer{}
		m.early[id] = buf
	}
	return buf
}

func (m *Coordinator) receiveOffer(from domain.UserID, desc []byte) {
	// A new negotiation with the same remote replaces the prior
	// session, it never duplicates it.
	if old, ok := m.peers[from]; ok {
		old.Teardown()
	}
	s := m.newSession(from)
	var early []json.RawMessage
	if buf, ok := m.early[from]; ok {
		early = buf.Drain()
		delete(m.early, from)
	}
	s.ReceiveOffer(desc, early)
}

func (m *Coordinator) startOffer(remote domain.UserID) {
	if s, ok := m.peers[remote]; ok && s.State() != StateDisconnected {
		log.Debug().Str("module", "mesh").Str("remote", remote.String()).Str("state", s.State().String()).Msg("call ignored, session already live")
		return
	}
	tracks, err := m.ensureCapture()
	if err != nil {
		m.emit(Event{Kind: EventError, UserID: remote, Err: err})
		return
	}
	s := m.newSession(remote)
	if err := s.StartOffer(tracks); err != nil {
		m.emit(Event{Kind: EventError, UserID: remote, Err: err})
		m.removePeer(remote)
	}
}

func (m *Coordinator) accept(remote domain.UserID) {
	s, ok := m.peers[remote]
	if !ok || s.State() != StateOffered {
		return
	}
	tracks, err := m.ensureCapture()
	if err != nil {
		// Aborts only this negotiation; the offer stays pending.
		m.emit(Event{Kind: EventError, UserID: remote, Err: err})
		return
	}
	if err := s.Accept(tracks); err != nil {
		m.emit(Event{Kind: EventError, UserID: remote, Err: err})
	}
}

func (m *Coordinator) newSession(remote domain.UserID) *PeerSession {
	s := newPeerSession(remote, m.engine, m.signal, m.exec, m.emit, m.removePeer)
	m.peers[remote] = s
	return s
}

// exec re-enters the coordinator loop from engine goroutines.
func (m *Coordinator) exec(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.quit:
	}
}

// ensureCapture acquires the shared local capture on first use. It is
// attached read-only to every session and acquired at most once.
func (m *Coordinator) ensureCapture() ([]core.Track, error) {
	if m.capture == nil {
		c, err := m.engine.NewCapture()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
		}
		m.capture = c
		m.emit(Event{Kind: EventCaptureStarted})
	}
	return m.capture.Tracks(), nil
}

// removePeer drops a terminal session and releases the capture when it
// was the last one.
func (m *Coordinator) removePeer(remote domain.UserID) {
	delete(m.peers, remote)
	if len(m.peers) == 0 && m.capture != nil {
		m.capture.Close()
		m.capture = nil
		m.emit(Event{Kind: EventCaptureStopped})
	}
}

func (m *Coordinator) teardownAll() {
	for _, s := range m.peers {
		s.Teardown()
	}
	m.drainCmds()
	if m.capture != nil {
		m.capture.Close()
		m.capture = nil
	}
	_ = m.signal.Leave()
	m.signal.Close()
	log.Info().Str("module", "mesh").Msg("coordinator shut down")
}

// drainCmds runs callbacks already queued by teardown so their effects
// land before the events channel closes.
func (m *Coordinator) drainCmds() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		default:
			return
		}
	}
}

func (m *Coordinator) emit(ev Event) {
	if ev.Kind == EventChannelOpen || ev.Kind == EventChannelClosed {
		ev.Channels = m.openChannels()
	}
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("module", "mesh").Int("kind", int(ev.Kind)).Msg("event dropped, slow consumer")
	}
}

func (m *Coordinator) openChannels() int {
	n := 0
	for _, s := range m.peers {
		if s.ChannelOpen() {
			n++
		}
	}
	return n
}
