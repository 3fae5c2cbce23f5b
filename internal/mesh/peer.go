package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"meshcall/internal/core"
	"meshcall/internal/domain"
)

// PeerState is the negotiation lifecycle of one peer session.
type PeerState int

const (
	StateIdle             PeerState = iota
	StateOffering                   // local offer sent, waiting for answer
	StateOffered                    // remote offer stored, accept/reject pending
	StateAnsweringPending           // offer accepted, answer in flight
	StateConnected
	StateDisconnected // terminal; a fresh session is needed to renegotiate
)

func (s PeerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateOffered:
		return "offered"
	case StateAnsweringPending:
		return "answeringPending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// signalSender is the slice of the signal channel a peer session uses.
type signalSender interface {
	SendOffer(to domain.UserID, d json.RawMessage) error
	SendAnswer(to domain.UserID, d json.RawMessage) error
	SendICECandidate(to domain.UserID, c json.RawMessage) error
}

// PeerSession owns the negotiation and data-channel lifecycle for one
// remote user. The connection and its data channel are created and
// destroyed together, never one without the other. All methods run on
// the coordinator's loop; engine callbacks re-enter through exec.
type PeerSession struct {
	remote domain.UserID
	state  PeerState

	pending       CandidateBuffer
	remoteApplied bool
	offer         json.RawMessage // stored while Offered, not yet applied

	pc     core.PeerConnection
	ch     core.DataChannel
	chOpen bool

	engine   core.Engine
	out      signalSender
	exec     func(func())
	emit     func(Event)
	onClosed func(domain.UserID)
}

func newPeerSession(
	remote domain.UserID,
	engine core.Engine,
	out signalSender,
	exec func(func()),
	emit func(Event),
	onClosed func(domain.UserID),
) *PeerSession {
	return &PeerSession{
		remote:   remote,
		state:    StateIdle,
		engine:   engine,
		out:      out,
		exec:     exec,
		emit:     emit,
		onClosed: onClosed,
	}
}

func (s *PeerSession) Remote() domain.UserID { return s.remote }
func (s *PeerSession) State() PeerState      { return s.state }

// ChannelOpen reports whether the data channel is ready to send.
func (s *PeerSession) ChannelOpen() bool { return s.chOpen }

// StartOffer drives Idle -> Offering: connection plus data channel are
// created, local capture tracks attached, and the offer generated, set
// locally and routed. Any engine failure aborts back to Idle with
// nothing sent.
func (s *PeerSession) StartOffer(tracks []core.Track) error {
	if s.state != StateIdle {
		return nil
	}
	if err := s.attach(tracks); err != nil {
		return err
	}
	desc, err := s.pc.CreateOffer()
	if err != nil {
		s.abortAttach()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		s.abortAttach()
		return fmt.Errorf("set local description: %w", err)
	}
	if err := s.out.SendOffer(s.remote, desc); err != nil {
		s.abortAttach()
		return err
	}
	s.setState(StateOffering)
	return nil
}

// ReceiveOffer drives Idle -> Offered. The description is stored, not
// applied; the consumer decides to Accept or Reject. Candidates that
// raced ahead of the offer are adopted into the pending buffer.
func (s *PeerSession) ReceiveOffer(desc json.RawMessage, early []json.RawMessage) {
	if s.state != StateIdle {
		log.Debug().Str("module", "mesh.peer").Str("remote", s.remote.String()).Str("state", s.state.String()).Msg("offer ignored in current state")
		return
	}
	s.offer = desc
	for _, c := range early {
		s.pending.Push(c)
	}
	s.setState(StateOffered)
	s.emit(Event{Kind: EventOfferReceived, UserID: s.remote})
}

// Accept drives Offered -> AnsweringPending -> Connected: the stored
// remote description is applied, buffered candidates replayed (the
// flush is keyed on that application succeeding, nothing else), the
// answer generated, set locally and routed.
func (s *PeerSession) Accept(tracks []core.Track) error {
	if s.state != StateOffered {
		return domain.ErrPeerClosed
	}
	s.setState(StateAnsweringPending)
	if err := s.attach(tracks); err != nil {
		s.setState(StateOffered)
		return err
	}
	if err := s.applyRemote(s.offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		s.fail(fmt.Errorf("create answer: %w", err))
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("set local description: %w", err))
		return err
	}
	if err := s.out.SendAnswer(s.remote, answer); err != nil {
		s.fail(err)
		return err
	}
	s.offer = nil
	s.setState(StateConnected)
	return nil
}

// Reject drives Offered -> Idle. The stored description is discarded
// and nothing is sent: declines are silent.
func (s *PeerSession) Reject() {
	if s.state != StateOffered {
		return
	}
	s.offer = nil
	s.pending.Drain()
	s.setState(StateIdle)
}

// ReceiveAnswer drives Offering -> Connected by applying the remote
// description to the existing connection.
func (s *PeerSession) ReceiveAnswer(desc json.RawMessage) error {
	if s.state != StateOffering {
		log.Debug().Str("module", "mesh.peer").Str("remote", s.remote.String()).Str("state", s.state.String()).Msg("answer ignored in current state")
		return nil
	}
	if err := s.applyRemote(desc); err != nil {
		return err
	}
	s.setState(StateConnected)
	return nil
}

// ReceiveCandidate is valid in any live state: applied immediately once
// a remote description is in place, buffered otherwise.
func (s *PeerSession) ReceiveCandidate(c json.RawMessage) {
	if s.state == StateDisconnected {
		return
	}
	if !s.remoteApplied {
		s.pending.Push(c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "mesh.peer").Str("remote", s.remote.String()).Msg("add candidate")
	}
}

// SendData writes to the data channel if it is open; otherwise a no-op.
func (s *PeerSession) SendData(msg string) {
	if s.ch == nil || !s.chOpen {
		return
	}
	if err := s.ch.Send(msg); err != nil {
		log.Warn().Err(err).Str("module", "mesh.peer").Str("remote", s.remote.String()).Msg("data send")
	}
}

// Teardown forces the terminal state, closing connection and channel
// together. Safe to call in any state, including before attach.
func (s *PeerSession) Teardown() {
	s.disconnect()
}

// applyRemote applies the remote description and, on success, replays
// every buffered candidate in arrival order exactly once. A failed
// application is terminal for this session.
func (s *PeerSession) applyRemote(desc json.RawMessage) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrDescriptionApply, err)
		s.fail(err)
		return err
	}
	s.remoteApplied = true
	for _, c := range s.pending.Drain() {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "mesh.peer").Str("remote", s.remote.String()).Msg("replay candidate")
		}
	}
	return nil
}

// attach creates the connection and its data channel as a unit and
// wires the engine callbacks.
func (s *PeerSession) attach(tracks []core.Track) error {
	pc, err := s.engine.NewConnection()
	if err != nil {
		return fmt.Errorf("new connection: %w", err)
	}
	ch, err := pc.CreateDataChannel("sendDataChannel")
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}
	for _, t := range tracks {
		if err := pc.AddTrack(t); err != nil {
			_ = ch.Close()
			_ = pc.Close()
			return fmt.Errorf("add track: %w", err)
		}
	}
	s.pc, s.ch = pc, ch
	s.wire()
	return nil
}

func (s *PeerSession) wire() {
	s.pc.OnICECandidate(func(c json.RawMessage) {
		s.exec(func() {
			if s.state == StateDisconnected {
				return
			}
			if err := s.out.SendICECandidate(s.remote, c); err != nil {
				log.Warn().Err(err).Str("module", "mesh.peer").Str("remote", s.remote.String()).Msg("send candidate")
			}
		})
	})
	s.pc.OnConnectionStateChange(func(st core.ConnState) {
		s.exec(func() {
			if st.Terminal() {
				s.disconnect()
			}
		})
	})
	s.pc.OnTrack(func(t core.RemoteTrack) {
		s.exec(func() {
			if s.state == StateDisconnected {
				return
			}
			s.emit(Event{Kind: EventRemoteTrack, UserID: s.remote, Track: t})
		})
	})
	s.pc.OnDataChannel(func(remote core.DataChannel) {
		remote.OnMessage(func(msg string) {
			s.exec(func() {
				if s.state == StateDisconnected {
					return
				}
				s.emit(Event{Kind: EventDataMessage, UserID: s.remote, Text: msg})
			})
		})
	})
	s.ch.OnOpen(func() {
		s.exec(func() {
			if s.state == StateDisconnected {
				return
			}
			s.chOpen = true
			s.emit(Event{Kind: EventChannelOpen, UserID: s.remote})
		})
	})
	// Channel close means the peer is gone: same teardown path as a
	// connectivity loss.
	s.ch.OnClose(func() {
		s.exec(func() {
			if s.state == StateDisconnected {
				return
			}
			s.chOpen = false
			s.emit(Event{Kind: EventChannelClosed, UserID: s.remote})
			s.disconnect()
		})
	})
}

// abortAttach undoes attach without reaching the terminal state; used
// when an offer/answer aborts and the session returns to its previous
// state.
func (s *PeerSession) abortAttach() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}
	s.pc, s.ch = nil, nil
	s.chOpen = false
	s.remoteApplied = false
}

func (s *PeerSession) fail(err error) {
	s.emit(Event{Kind: EventError, UserID: s.remote, Err: err})
	s.disconnect()
}

func (s *PeerSession) disconnect() {
	if s.state == StateDisconnected {
		return
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}
	s.chOpen = false
	s.offer = nil
	s.pending.Drain()
	s.setState(StateDisconnected)
	if s.onClosed != nil {
		s.onClosed(s.remote)
	}
}

func (s *PeerSession) setState(st PeerState) {
	if s.state == st {
		return
	}
	log.Debug().Str("module", "mesh.peer").Str("remote", s.remote.String()).Str("from", s.state.String()).Str("to", st.String()).Msg("state")
	s.state = st
	s.emit(Event{Kind: EventPeerState, UserID: s.remote, State: st})
}
