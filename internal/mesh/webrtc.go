package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"meshcall/internal/core"
	"meshcall/internal/domain"
)

// defaultSTUNServers is used when no ICE servers are configured.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// NewEngine returns the pion-backed implementation of core.Engine.
func NewEngine(iceServers []string) core.Engine {
	if len(iceServers) == 0 {
		iceServers = defaultSTUNServers
	}
	return &pionEngine{
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}
}

type pionEngine struct {
	cfg webrtc.Configuration
}

func (e *pionEngine) NewConnection() (core.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}
	return &pionConn{pc: pc}, nil
}

// NewCapture builds the shared local media source: one audio and one
// video track. The tracks are sample-fed; wiring an actual device or
// file producer to them is the embedder's concern, the negotiation
// layer only needs tracks to attach.
func (e *pionEngine) NewCapture() (core.Capture, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "meshcall")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "meshcall")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
	}
	return &pionCapture{tracks: []core.Track{
		&localTrack{t: audio},
		&localTrack{t: video},
	}}, nil
}

type pionCapture struct {
	tracks []core.Track
}

func (c *pionCapture) Tracks() []core.Track { return c.tracks }
func (c *pionCapture) Close()               {}

type localTrack struct {
	t webrtc.TrackLocal
}

func (t *localTrack) ID() string   { return t.t.ID() }
func (t *localTrack) Kind() string { return t.t.Kind().String() }

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string   { return t.t.ID() }
func (t *remoteTrack) Kind() string { return t.t.Kind().String() }

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (json.RawMessage, error) {
	desc, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

func (c *pionConn) CreateAnswer() (json.RawMessage, error) {
	desc, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

func (c *pionConn) SetLocalDescription(d json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(d, &desc); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(d json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(d, &desc); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(cand json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(cand, &init); err != nil {
		return err
	}
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) AddTrack(t core.Track) error {
	lt, ok := t.(*localTrack)
	if !ok {
		return fmt.Errorf("foreign track type %T", t)
	}
	_, err := c.pc.AddTrack(lt.t)
	return err
}

func (c *pionConn) CreateDataChannel(label string) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConn) OnICECandidate(fn func(json.RawMessage)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(core.ConnState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapConnState(s))
	})
}

func (c *pionConn) OnTrack(fn func(core.RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&remoteTrack{t: tr})
	})
}

func (c *pionConn) OnDataChannel(fn func(core.DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (c *pionConn) Close() error { return c.pc.Close() }

func mapConnState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return core.ConnStateClosed
	}
	return core.ConnStateNew
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Send(msg string) error { return c.dc.SendText(msg) }
func (c *pionChannel) Close() error          { return c.dc.Close() }
func (c *pionChannel) OnOpen(fn func())      { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func())     { c.dc.OnClose(fn) }
func (c *pionChannel) OnMessage(fn func(string)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(string(msg.Data))
	})
}
