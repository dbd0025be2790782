package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cipherline/apperr"
	"cipherline/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errClosed    = errors.New("connection closed")
	errQueueFull = errors.New("send queue full")
)

// conn is one real-time session. Events are queued by Push and written by
// a single writer goroutine; a client too slow to drain its queue is
// disconnected instead of stalling the engine.
type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	account string
	log     *slog.Logger
}

func newConn(ws *websocket.Conn, queue int, log *slog.Logger) *conn {
	return &conn{
		ws:   ws,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *conn) Push(ev protocol.Event) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.log.Warn("send queue full, dropping connection", "account", c.account)
		c.Close()
		return errQueueFull
	}
}

// Close asks the writer to flush what is queued and hang up.
func (c *conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// readPump dispatches client requests until the connection fails or is
// closed.
func (c *conn) readPump(ctx context.Context, s *Server) {
	c.ws.SetReadLimit(s.config.MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read", "account", c.account, "err", err)
			}
			return
		}

		if err := s.dispatch(ctx, c, frame); err != nil {
			e, ok := apperr.Public(err)
			if !ok {
				c.log.Error("request failed", "account", c.account, "err", err)
			}
			c.Push(protocol.NewEvent(protocol.EventError, e))
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, frame []byte) error {
	req, err := protocol.ParseRequest(frame)
	if err != nil {
		return apperr.New(apperr.InvalidRequest)
	}

	switch req.Name {
	case protocol.RequestMarkMessageRead:
		var p protocol.MarkReadRequest
		if err := req.Bind(&p); err != nil {
			return apperr.New(apperr.InvalidRequest)
		}
		return s.engine.MarkRead(ctx, c.account, p.ID)

	case protocol.RequestTyping:
		var p protocol.TypingRequest
		if err := req.Bind(&p); err != nil {
			return apperr.New(apperr.InvalidRequest)
		}
		return s.engine.Typing(ctx, c.account, p.User)

	case protocol.RequestChangeStatus:
		var p protocol.ChangeStatusRequest
		if err := req.Bind(&p); err != nil {
			return apperr.New(apperr.InvalidRequest)
		}
		return s.engine.ChangeStatus(ctx, c.account, p.Status)
	}
	return apperr.Newf(apperr.InvalidRequest, "Unknown event %q", req.Name)
}

// handleWebsocket upgrades first and authenticates second, so a bad
// credential is answered with an error event before the forced close.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		s.writeError(w, r, apperr.New(apperr.Unavailable))
		return
	}
	defer s.conns.Done()

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r.Header.Get("Authorization"))
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", "err", err)
		return
	}
	c := newConn(ws, s.config.SendQueue, s.log)
	go c.writePump()

	ctx := context.WithoutCancel(r.Context())

	account, err := s.engine.Authenticate(ctx, token)
	if err != nil {
		s.reject(c, err)
		return
	}
	c.account = account.ID

	if err := s.engine.Connect(ctx, account.ID, c); err != nil {
		s.reject(c, err)
		return
	}

	c.readPump(ctx, s)
	s.engine.Disconnect(ctx, c)
	c.Close()
}

func (s *Server) reject(c *conn, err error) {
	e, ok := apperr.Public(err)
	if !ok {
		s.log.Error("websocket connect failed", "err", err)
	}
	c.Push(protocol.NewEvent(protocol.EventError, e))
	c.Close()
}
