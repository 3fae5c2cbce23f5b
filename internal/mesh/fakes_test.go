package mesh

import (
	"encoding/json"
	"errors"

	"meshcall/internal/core"
	"meshcall/internal/domain"
)

// fakeEngine hands out fakeConns and counts capture acquisitions.
type fakeEngine struct {
	conns      []*fakeConn
	connErr    error
	captureErr error
	captures   []*fakeCapture
}

func (e *fakeEngine) NewConnection() (core.PeerConnection, error) {
	if e.connErr != nil {
		return nil, e.connErr
	}
	c := &fakeConn{}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEngine) NewCapture() (core.Capture, error) {
	if e.captureErr != nil {
		return nil, e.captureErr
	}
	c := &fakeCapture{}
	e.captures = append(e.captures, c)
	return c, nil
}

type fakeCapture struct {
	closed bool
}

func (c *fakeCapture) Tracks() []core.Track {
	return []core.Track{fakeTrack{kind: "audio"}, fakeTrack{kind: "video"}}
}

func (c *fakeCapture) Close() { c.closed = true }

type fakeTrack struct {
	kind string
}

func (t fakeTrack) ID() string   { return t.kind + "-track" }
func (t fakeTrack) Kind() string { return t.kind }

// fakeConn records the engine calls a peer session makes.
type fakeConn struct {
	localDesc  json.RawMessage
	remoteDesc json.RawMessage
	candidates []json.RawMessage
	tracks     int
	closed     bool
	channel    *fakeChannel

	remoteErr error // forced SetRemoteDescription failure

	onICE      func(json.RawMessage)
	onState    func(core.ConnState)
	onTrack    func(core.RemoteTrack)
	onDataChan func(core.DataChannel)
}

func (c *fakeConn) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0 local"}`), nil
}

func (c *fakeConn) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"v=0 local"}`), nil
}

func (c *fakeConn) SetLocalDescription(d json.RawMessage) error {
	c.localDesc = d
	return nil
}

func (c *fakeConn) SetRemoteDescription(d json.RawMessage) error {
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.remoteDesc = d
	return nil
}

func (c *fakeConn) AddICECandidate(cand json.RawMessage) error {
	if c.remoteDesc == nil {
		return errors.New("no remote description")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) AddTrack(core.Track) error {
	c.tracks++
	return nil
}

func (c *fakeConn) CreateDataChannel(label string) (core.DataChannel, error) {
	c.channel = &fakeChannel{label: label}
	return c.channel, nil
}

func (c *fakeConn) OnICECandidate(fn func(json.RawMessage)) { c.onICE = fn }
func (c *fakeConn) OnConnectionStateChange(fn func(core.ConnState)) { c.onState = fn }
func (c *fakeConn) OnTrack(fn func(core.RemoteTrack)) { c.onTrack = fn }
func (c *fakeConn) OnDataChannel(fn func(core.DataChannel)) { c.onDataChan = fn }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeChannel struct {
	label  string
	sent   []string
	closed bool

	onOpen  func()
	onClose func()
	onMsg   func(string)
}

func (c *fakeChannel) Send(msg string) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func (c *fakeChannel) OnOpen(fn func()) { c.onOpen = fn }
func (c *fakeChannel) OnClose(fn func()) { c.onClose = fn }
func (c *fakeChannel) OnMessage(fn func(string)) { c.onMsg = fn }

type directed struct {
	to      domain.UserID
	payload json.RawMessage
	text    string
}

// fakeSignal implements SignalChannel and records everything sent.
type fakeSignal struct {
	events   chan domain.Envelope
	offers   []directed
	answers  []directed
	cands    []directed
	messages []directed
	loggedIn domain.UserID
	joined   bool
	left     bool
	closed   bool
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{events: make(chan domain.Envelope, 64)}
}

func (s *fakeSignal) Login(id domain.UserID) error { s.loggedIn = id; return nil }
func (s *fakeSignal) Join() error                  { s.joined = true; return nil }
func (s *fakeSignal) Leave() error                 { s.left = true; return nil }

func (s *fakeSignal) SendOffer(to domain.UserID, d json.RawMessage) error {
	s.offers = append(s.offers, directed{to: to, payload: d})
	return nil
}

func (s *fakeSignal) SendAnswer(to domain.UserID, d json.RawMessage) error {
	s.answers = append(s.answers, directed{to: to, payload: d})
	return nil
}

func (s *fakeSignal) SendICECandidate(to domain.UserID, c json.RawMessage) error {
	s.cands = append(s.cands, directed{to: to, payload: c})
	return nil
}

func (s *fakeSignal) SendMessage(to domain.UserID, text string) error {
	s.messages = append(s.messages, directed{to: to, text: text})
	return nil
}

func (s *fakeSignal) Events() <-chan domain.Envelope { return s.events }
func (s *fakeSignal) Close()                         { s.closed = true }
