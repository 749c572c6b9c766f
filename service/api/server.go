// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server serves the control API. Handlers must be registered before Start.
type Server struct {
	cfg Config
	srv *http.Server
	mux *http.ServeMux
	log mlog.LoggerIFace

	mut      sync.Mutex
	listener net.Listener
}

func NewServer(cfg Config, log mlog.LoggerIFace) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
		log: log,
	}

	// No write timeout: the events stream holds its connection open.
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		TLSConfig: &tls.Config{
			MinVersion:       tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		},
	}

	return s, nil
}

func (s *Server) useTLS() bool {
	return s.cfg.TLS.Enable && s.cfg.TLS.CertFile != "" && s.cfg.TLS.CertKey != ""
}

// Start listens on the configured address and serves requests in the
// background.
func (s *Server) Start() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.log.Info("api: server is listening",
		mlog.String("addr", listener.Addr().String()),
		mlog.Bool("tls", s.useTLS()),
	)

	go s.serve(listener)

	return nil
}

func (s *Server) serve(listener net.Listener) {
	var err error
	if s.useTLS() {
		err = s.srv.ServeTLS(listener, s.cfg.TLS.CertFile, s.cfg.TLS.CertKey)
	} else {
		err = s.srv.Serve(listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Critical("api: failed to serve", mlog.Err(err))
	}
}

// Stop gracefully shuts the server down. Hijacked connections are not
// tracked and need closing by their owner.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.log.Info("api: server was shutdown")
	return nil
}

// Addr returns the address the server is listening on, or an empty string
// if it hasn't started.
func (s *Server) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
