package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"meshcall/internal/domain"
)

// SignalChannel is what the coordinator needs from the transport
// channel to the relay.
type SignalChannel interface {
	Login(id domain.UserID) error
	Join() error
	Leave() error
	SendOffer(to domain.UserID, d json.RawMessage) error
	SendAnswer(to domain.UserID, d json.RawMessage) error
	SendICECandidate(to domain.UserID, c json.RawMessage) error
	SendMessage(to domain.UserID, text string) error
	Events() <-chan domain.Envelope
	Close()
}

// SignalClient is the websocket implementation of SignalChannel.
type SignalClient struct {
	conn   *websocket.Conn
	events chan domain.Envelope
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex // serializes writes and guards userID
	userID domain.UserID
}

// Dial connects to the relay's /ws endpoint and starts the read loop.
func Dial(ctx context.Context, wsURL string) (*SignalClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	c := &SignalClient{
		conn:   conn,
		events: make(chan domain.Envelope, 64),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers inbound envelopes in arrival order. The channel is
// closed when the connection drops.
func (c *SignalClient) Events() <-chan domain.Envelope { return c.events }

// Login binds the client-chosen id to this session. It can only happen
// once per session; the relay enforces uniqueness across sessions.
func (c *SignalClient) Login(id domain.UserID) error {
	c.mu.Lock()
	if c.userID != 0 {
		c.mu.Unlock()
		return errors.New("login can only happen once per session")
	}
	c.userID = id
	c.mu.Unlock()
	return c.send(domain.Envelope{Event: domain.EventLogin, UserID: id})
}

// Join announces presence to other users. Login is required first.
func (c *SignalClient) Join() error {
	c.mu.Lock()
	id := c.userID
	c.mu.Unlock()
	if id == 0 {
		return domain.ErrNotLoggedIn
	}
	return c.send(domain.Envelope{Event: domain.EventJoin, UserID: id})
}

// Leave withdraws from the roster. A no-op before login.
func (c *SignalClient) Leave() error {
	c.mu.Lock()
	id := c.userID
	c.mu.Unlock()
	if id == 0 {
		return nil
	}
	return c.send(domain.Envelope{Event: domain.EventLeave, UserID: id})
}

func (c *SignalClient) SendOffer(to domain.UserID, d json.RawMessage) error {
	return c.send(domain.Envelope{Event: domain.EventOffer, From: c.currentUser(), To: to, Description: d})
}

func (c *SignalClient) SendAnswer(to domain.UserID, d json.RawMessage) error {
	return c.send(domain.Envelope{Event: domain.EventAnswer, From: c.currentUser(), To: to, Description: d})
}

func (c *SignalClient) SendICECandidate(to domain.UserID, cand json.RawMessage) error {
	return c.send(domain.Envelope{Event: domain.EventICECandidate, From: c.currentUser(), To: to, Candidate: cand})
}

func (c *SignalClient) SendMessage(to domain.UserID, text string) error {
	return c.send(domain.Envelope{Event: domain.EventMessage, From: c.currentUser(), To: to, Message: text})
}

func (c *SignalClient) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *SignalClient) currentUser() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *SignalClient) send(env domain.Envelope) error {
	select {
	case <-c.closed:
		return domain.ErrTransportClosed
	default:
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}

func (c *SignalClient) readLoop() {
	defer close(c.events)
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Debug().Err(err).Str("module", "mesh.signal").Msg("read loop ended")
			}
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Str("module", "mesh.signal").Msg("bad envelope")
			continue
		}
		select {
		case c.events <- env:
		case <-c.closed:
			return
		}
	}
}
