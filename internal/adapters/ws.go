package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"meshcall/internal/config"
	"meshcall/internal/core"
	"meshcall/internal/domain"
	"meshcall/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// wsSession is the transport endpoint handed to the directory.
// It implements core.SessionConn. The pumps may close it while the
// directory still holds the handle, so TrySend must never touch the
// send channel once it is closed.
type wsSession struct {
	conn WSConn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSSession(conn WSConn, sendBuffer int) *wsSession {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &wsSession{
		conn: conn,
		send: make(chan core.Frame, sendBuffer),
	}
}

func (s *wsSession) TrySend(f core.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("connection closed")
	}
	select {
	case s.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *wsSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
	s.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSController accepts signaling websockets and feeds their envelopes
// into the directory and the router.
type WSController struct {
	cfg    *config.Config
	dir    *relay.Directory
	router *relay.Router
}

func NewWSController(cfg *config.Config, dir *relay.Directory, router *relay.Router) *WSController {
	return &WSController{cfg: cfg, dir: dir, router: router}
}

func (ctl *WSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return
	}

	sess := newWSSession(ws, ctl.cfg.SendBuffer)
	h := ctl.dir.Register(sess)

	go ctl.writePump(ctx, sess)
	go ctl.readPump(ctx, h, sess)
}

// writePump owns all writes: queued frames plus keepalive pings.
func (ctl *WSController) writePump(ctx context.Context, s *wsSession) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes envelopes and dispatches them. On exit the handle
// is disconnected, which doubles as the implicit leave.
func (ctl *WSController) readPump(ctx context.Context, h *relay.Handle, s *wsSession) {
	defer func() {
		ctl.dir.Disconnect(h)
		s.Close()
	}()

	pongWait := ctl.cfg.PingPeriod * 10 / 9
	s.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Str("module", "adapters.ws").Str("sid", h.SID).Msg("bad envelope")
			continue
		}
		ctl.dispatch(h, s, env)
	}
}

func (ctl *WSController) dispatch(h *relay.Handle, s *wsSession, env domain.Envelope) {
	switch env.Event {
	case domain.EventLogin:
		if err := ctl.dir.Login(h, env.UserID); err != nil {
			ctl.reply(s, domain.Envelope{Event: domain.EventLoginError, Error: err.Error()})
			return
		}
		ctl.reply(s, domain.Envelope{Event: domain.EventLoginOK, UserID: env.UserID})
	case domain.EventJoin:
		if err := ctl.dir.Join(h); err != nil {
			ctl.reply(s, domain.Envelope{Event: domain.EventLoginError, Error: err.Error()})
		}
	case domain.EventLeave:
		_ = ctl.dir.Leave(h)
	default:
		if !env.Directed() {
			log.Debug().Str("module", "adapters.ws").Str("event", env.Event).Msg("unknown event")
			return
		}
		uid, ok := ctl.dir.UserOf(h)
		if !ok {
			ctl.reply(s, domain.Envelope{Event: domain.EventLoginError, Error: domain.ErrNotLoggedIn.Error()})
			return
		}
		if err := ctl.router.Route(uid, env); err != nil {
			log.Warn().Err(err).Str("module", "adapters.ws").Str("event", env.Event).Msg("route failed")
		}
	}
}

func (ctl *WSController) reply(s *wsSession, env domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = s.TrySend(core.Frame(data))
}
