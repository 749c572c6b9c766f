// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

const (
	connMaxReadBytes = 64 * 1024 // 64KB
	connSendChSize   = 64
)

type conn struct {
	id        string
	ws        *websocket.Conn
	sendCh    chan Message
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		sendCh:  make(chan Message, connSendChSize),
		closeCh: make(chan struct{}),
	}
}

// close asks the writer to close the connection.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

// addConn registers c. It fails once the server is closed.
func (s *Server) addConn(c *conn) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.conns[c.id]; ok {
		return false
	}
	s.conns[c.id] = c
	// reader and writer
	s.wg.Add(2)
	return true
}

func (s *Server) removeConn(connID string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.conns[connID]; !ok {
		return false
	}
	delete(s.conns, connID)
	return true
}

func (s *Server) getConn(connID string) *conn {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.conns[connID]
}

func (s *Server) getConns() []*conn {
	s.mut.RLock()
	defer s.mut.RUnlock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return len(s.conns)
}
