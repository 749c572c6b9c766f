// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mattermost/roomctl/service/random"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	receiveChSize = 256
	writeWait     = 10 * time.Second
)

var (
	ErrConnNotFound  = errors.New("connection not found")
	ErrSendQueueFull = errors.New("send queue is full")
)

// Server accepts WebSocket connections, pushes messages to them and
// forwards what they send on ReceiveCh.
type Server struct {
	cfg       ServerConfig
	log       mlog.LoggerIFace
	conns     map[string]*conn
	authCb    AuthCb
	mut       sync.RWMutex
	closed    bool
	closeCh   chan struct{}
	receiveCh chan Message
	wg        sync.WaitGroup
}

func NewServer(cfg ServerConfig, log mlog.LoggerIFace, opts ...Option) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	s := &Server{
		cfg:       cfg,
		log:       log,
		conns:     make(map[string]*conn),
		closeCh:   make(chan struct{}),
		receiveCh: make(chan Message, receiveChSize),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return s, nil
}

// ReceiveCh returns a channel carrying the messages sent by the connected
// clients along with open and close notifications. It's closed by Close.
func (s *Server) ReceiveCh() <-chan Message {
	return s.receiveCh
}

func (s *Server) receive(msg Message) {
	select {
	case s.receiveCh <- msg:
	case <-s.closeCh:
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.authCb != nil {
		if err := s.authCb(w, r); err != nil {
			s.log.Debug("ws: authentication failed", mlog.Err(err))
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws: failed to upgrade connection", mlog.Err(err))
		return
	}
	ws.SetReadLimit(connMaxReadBytes)

	c := newConn(random.NewID(), ws)
	if !s.addConn(c) {
		ws.Close()
		return
	}
	defer s.wg.Done()

	go s.connWriter(c)

	s.receive(newOpenMessage(c.id))
	defer func() {
		c.close()
		s.removeConn(c.id)
		s.receive(newCloseMessage(c.id))
	}()

	readDeadline := 2 * s.cfg.PingInterval
	if err := ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		s.log.Error("ws: failed to set read deadline", mlog.Err(err))
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws: read failed", mlog.String("connID", c.id), mlog.Err(err))
			}
			return
		}

		msgType := TextMessage
		if mt == websocket.BinaryMessage {
			msgType = BinaryMessage
		}
		s.receive(Message{
			ConnID: c.id,
			Type:   msgType,
			Data:   data,
		})
	}
}

// connWriter owns all writes to c.
func (s *Server) connWriter(c *conn) {
	defer s.wg.Done()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-c.sendCh:
			msgType := websocket.TextMessage
			if msg.Type == BinaryMessage {
				msgType = websocket.BinaryMessage
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Error("ws: failed to set write deadline", mlog.Err(err))
			}
			if err := c.ws.WriteMessage(msgType, msg.Data); err != nil {
				s.log.Error("ws: failed to write message", mlog.String("connID", c.id), mlog.Err(err))
			}
		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug("ws: failed to send ping", mlog.String("connID", c.id), mlog.Err(err))
			}
		case <-c.closeCh:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			if err := c.ws.Close(); err != nil {
				s.log.Debug("ws: failed to close conn", mlog.String("connID", c.id), mlog.Err(err))
			}
			return
		}
	}
}

// Send queues data for the connection identified by connID.
func (s *Server) Send(connID string, data []byte) error {
	c := s.getConn(connID)
	if c == nil {
		return ErrConnNotFound
	}
	return s.send(c, Message{ConnID: connID, Type: TextMessage, Data: data})
}

func (s *Server) send(c *conn, msg Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Broadcast queues data for every connection and returns how many got
// it. Connections that can't keep up are skipped.
func (s *Server) Broadcast(data []byte) int {
	var n int
	for _, c := range s.getConns() {
		if err := s.send(c, Message{ConnID: c.id, Type: TextMessage, Data: data}); err != nil {
			s.log.Warn("ws: dropping message", mlog.String("connID", c.id), mlog.Err(err))
			continue
		}
		n++
	}
	return n
}

// Close closes all the connections and waits for them to be done.
func (s *Server) Close() {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return
	}
	s.closed = true
	close(s.closeCh)
	s.mut.Unlock()

	for _, c := range s.getConns() {
		c.close()
	}
	s.wg.Wait()
	close(s.receiveCh)
}
