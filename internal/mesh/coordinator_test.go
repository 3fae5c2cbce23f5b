package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"meshcall/internal/domain"
)

type coordHarness struct {
	signal *fakeSignal
	engine *fakeEngine
	coord  *Coordinator
}

func newCoordHarness(local domain.UserID) *coordHarness {
	h := &coordHarness{signal: newFakeSignal(), engine: &fakeEngine{}}
	h.coord = NewCoordinator(local, h.signal, h.engine)
	return h
}

// step processes one envelope synchronously, then runs any callbacks
// the engine queued.
func (h *coordHarness) step(env domain.Envelope) {
	h.coord.handleEnvelope(env)
	h.coord.drainCmds()
}

func (h *coordHarness) takeEvents() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.coord.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestOfferAnswerScenario(t *testing.T) {
	a := newCoordHarness(1)
	b := newCoordHarness(2)

	// A calls B.
	a.coord.startOffer(2)
	a.coord.drainCmds()
	if len(a.signal.offers) != 1 {
		t.Fatalf("A sent %d offers, want 1", len(a.signal.offers))
	}
	sa := a.coord.peers[2]
	if sa == nil || sa.State() != StateOffering {
		t.Fatalf("A's session state: %v", sa)
	}

	// B receives the offer; decision point surfaces.
	b.step(domain.Envelope{Event: domain.EventOffer, From: 1, Description: a.signal.offers[0].payload})
	sb := b.coord.peers[1]
	if sb == nil || sb.State() != StateOffered {
		t.Fatalf("B's session not in offered state: %v", sb)
	}

	// B accepts, answering.
	b.coord.accept(1)
	b.coord.drainCmds()
	if len(b.signal.answers) != 1 || b.signal.answers[0].to != 1 {
		t.Fatalf("B's answers: %+v", b.signal.answers)
	}
	if sb.State() != StateConnected {
		t.Fatalf("B's state %s, want connected", sb.State())
	}

	// A receives the answer.
	a.step(domain.Envelope{Event: domain.EventAnswer, From: 2, Description: b.signal.answers[0].payload})
	if sa.State() != StateConnected {
		t.Fatalf("A's state %s, want connected", sa.State())
	}
}

func TestCallIsSingleFlight(t *testing.T) {
	h := newCoordHarness(1)
	h.coord.startOffer(2)
	h.coord.startOffer(2)
	h.coord.drainCmds()

	if len(h.engine.conns) != 1 {
		t.Fatalf("%d connections created for one remote, want 1", len(h.engine.conns))
	}
	if len(h.signal.offers) != 1 {
		t.Fatalf("%d offers sent, want 1", len(h.signal.offers))
	}
	if len(h.coord.peers) != 1 {
		t.Fatalf("%d sessions for one remote", len(h.coord.peers))
	}
}

func TestCandidatesBeforeOfferAreHeldAndReplayed(t *testing.T) {
	h := newCoordHarness(1)

	for i := byte(0); i < 3; i++ {
		h.step(domain.Envelope{Event: domain.EventICECandidate, From: 9, Candidate: cand(i)})
	}
	if len(h.coord.peers) != 0 {
		t.Fatal("a lone candidate must not create a session")
	}

	h.step(domain.Envelope{Event: domain.EventOffer, From: 9, Description: json.RawMessage(`{"type":"offer"}`)})
	h.coord.accept(9)
	h.coord.drainCmds()

	pc := h.engine.conns[len(h.engine.conns)-1]
	if len(pc.candidates) != 3 {
		t.Fatalf("replayed %d candidates, want 3", len(pc.candidates))
	}
	for i := byte(0); i < 3; i++ {
		if string(pc.candidates[i]) != string(cand(i)) {
			t.Fatalf("candidate %d out of order", i)
		}
	}
}

func TestEarlyCandidatesDiscardedWhenSenderLeaves(t *testing.T) {
	h := newCoordHarness(1)

	for i := byte(0); i < 3; i++ {
		h.step(domain.Envelope{Event: domain.EventICECandidate, From: 9, Candidate: cand(i)})
	}
	if len(h.coord.early) != 1 {
		t.Fatalf("%d early buffers, want 1", len(h.coord.early))
	}

	// The offer never comes; the sender leaves instead.
	h.step(domain.Envelope{Event: domain.EventLeft, UserID: 9})
	if len(h.coord.early) != 0 {
		t.Fatal("departed sender's early candidates must be dropped")
	}

	// A fresh negotiation after re-join starts with a clean buffer.
	h.step(domain.Envelope{Event: domain.EventOffer, From: 9, Description: json.RawMessage(`{"type":"offer"}`)})
	h.coord.accept(9)
	h.coord.drainCmds()
	pc := h.engine.conns[len(h.engine.conns)-1]
	if len(pc.candidates) != 0 {
		t.Fatalf("stale candidates replayed: %d", len(pc.candidates))
	}
}

func TestAnswerForUnknownPeerIsDropped(t *testing.T) {
	h := newCoordHarness(1)
	h.step(domain.Envelope{Event: domain.EventAnswer, From: 42, Description: json.RawMessage(`{"type":"answer"}`)})

	if len(h.coord.peers) != 0 {
		t.Fatal("answer must not create a session")
	}
	if len(h.engine.conns) != 0 {
		t.Fatal("answer must not create a connection")
	}
}

func TestNewOfferReplacesExistingSession(t *testing.T) {
	h := newCoordHarness(1)
	h.step(domain.Envelope{Event: domain.EventOffer, From: 7, Description: json.RawMessage(`{"type":"offer"}`)})
	h.coord.accept(7)
	h.coord.drainCmds()
	first := h.coord.peers[7]
	if first.State() != StateConnected {
		t.Fatalf("first session state %s", first.State())
	}

	h.step(domain.Envelope{Event: domain.EventOffer, From: 7, Description: json.RawMessage(`{"type":"offer"}`)})

	second := h.coord.peers[7]
	if second == first {
		t.Fatal("renegotiation must replace the session, not reuse the terminal one")
	}
	if first.State() != StateDisconnected {
		t.Fatal("replaced session must be torn down")
	}
	if second.State() != StateOffered {
		t.Fatalf("replacement state %s, want offered", second.State())
	}
	if len(h.coord.peers) != 1 {
		t.Fatalf("%d sessions for one remote", len(h.coord.peers))
	}
}

func TestCaptureSharedAcrossSessionsAndReleasedWithLast(t *testing.T) {
	h := newCoordHarness(1)

	h.coord.startOffer(2)
	h.coord.drainCmds()
	h.step(domain.Envelope{Event: domain.EventOffer, From: 3, Description: json.RawMessage(`{"type":"offer"}`)})
	h.coord.accept(3)
	h.coord.drainCmds()

	if len(h.engine.captures) != 1 {
		t.Fatalf("capture acquired %d times, want 1", len(h.engine.captures))
	}

	h.coord.peers[2].Teardown()
	h.coord.drainCmds()
	if h.engine.captures[0].closed {
		t.Fatal("capture released while a session remained")
	}

	h.coord.peers[3].Teardown()
	h.coord.drainCmds()
	if !h.engine.captures[0].closed {
		t.Fatal("capture not released after the last session")
	}

	stopped := false
	for _, ev := range h.takeEvents() {
		if ev.Kind == EventCaptureStopped {
			stopped = true
		}
	}
	if !stopped {
		t.Fatal("capture stop not surfaced")
	}
}

func TestCaptureUnavailableAbortsNegotiationOnly(t *testing.T) {
	h := newCoordHarness(1)
	h.engine.captureErr = errors.New("device denied")

	h.coord.startOffer(2)
	h.coord.drainCmds()

	if len(h.coord.peers) != 0 {
		t.Fatal("failed capture must leave no session behind")
	}
	if len(h.signal.offers) != 0 {
		t.Fatal("nothing may be sent without capture")
	}
	found := false
	for _, ev := range h.takeEvents() {
		if ev.Kind == EventError && errors.Is(ev.Err, domain.ErrCaptureUnavailable) {
			found = true
		}
	}
	if !found {
		t.Fatal("capture failure not surfaced")
	}

	// The coordinator itself survives; a later offer still works.
	h.engine.captureErr = nil
	h.coord.startOffer(2)
	h.coord.drainCmds()
	if len(h.signal.offers) != 1 {
		t.Fatal("coordinator did not recover from capture failure")
	}
}

func TestRosterAndChatEventsForwarded(t *testing.T) {
	h := newCoordHarness(1)

	h.step(domain.Envelope{Event: domain.EventJoined, UserIDs: domain.Roster{1, 2}, UserID: 2})
	h.step(domain.Envelope{Event: domain.EventMessage, From: 2, Message: "hello"})
	h.step(domain.Envelope{Event: domain.EventLeft, UserID: 2})

	events := h.takeEvents()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Kind != EventRoster || events[0].UserID != 2 || len(events[0].UserIDs) != 2 {
		t.Fatalf("roster event: %+v", events[0])
	}
	if events[1].Kind != EventChat || events[1].Text != "hello" || events[1].UserID != 2 {
		t.Fatalf("chat event: %+v", events[1])
	}
	if events[2].Kind != EventUserLeft || events[2].UserID != 2 {
		t.Fatalf("left event: %+v", events[2])
	}
}

func TestDataFanOutSkipsUnopenChannels(t *testing.T) {
	h := newCoordHarness(1)
	h.coord.startOffer(2)
	h.coord.startOffer(3)
	h.coord.drainCmds()

	// Only the channel to 2 opens.
	h.engine.conns[0].channel.onOpen()
	h.coord.drainCmds()

	h.coord.SendData("ping")
	h.coord.drainCmds()

	if got := h.engine.conns[0].channel.sent; len(got) != 1 || got[0] != "ping" {
		t.Fatalf("open channel got %v", got)
	}
	if got := h.engine.conns[1].channel.sent; len(got) != 0 {
		t.Fatalf("unopen channel got %v", got)
	}
}

func TestShutdownTearsDownEverything(t *testing.T) {
	h := newCoordHarness(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coord.Run(ctx)

	h.signal.events <- domain.Envelope{Event: domain.EventOffer, From: 7, Description: json.RawMessage(`{"type":"offer"}`)}

	h.coord.Shutdown()

	if !h.signal.closed {
		t.Fatal("signal channel not closed on shutdown")
	}
	if !h.signal.left {
		t.Fatal("leave not sent on shutdown")
	}
	// Events channel closes once teardown completes.
	select {
	case _, ok := <-eventsDrained(h.coord.Events()):
		if ok {
			t.Fatal("events channel still open")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel never closed")
	}
	for id, s := range h.coord.peers {
		if s.State() != StateDisconnected {
			t.Fatalf("session %d left in state %s", id, s.State())
		}
	}
}

// eventsDrained consumes buffered events and yields the channel's
// closed signal.
func eventsDrained(ch <-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for range ch {
		}
	}()
	return out
}
