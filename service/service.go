// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/logger"
	"github.com/mattermost/roomctl/service/api"
	"github.com/mattermost/roomctl/service/perf"
	"github.com/mattermost/roomctl/service/store"
	"github.com/mattermost/roomctl/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/prometheus/procfs"
)

// Service runs a remote control client and exposes it over HTTP.
type Service struct {
	cfg          Config
	apiServer    *api.Server
	wsServer     *ws.Server
	client       *client.Client
	clientOpts   []client.Option
	store        store.Store
	metrics      *perf.Metrics
	proc         *procfs.FS
	adminKeyHash string
	log          *mlog.Logger
	wg           sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg: cfg,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	var err error
	s.log, err = logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	s.log.Info("roomctl: starting up", getVersionInfo().logFields()...)

	if cfg.API.Security.EnableAdmin {
		s.adminKeyHash, err = hashKey(cfg.API.Security.AdminSecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to hash admin key: %w", err)
		}
	}

	if proc, err := procfs.NewDefaultFS(); err != nil {
		s.log.Warn("roomctl: system stats are not available", mlog.Err(err))
	} else {
		s.proc = &proc
	}

	s.store, err = store.New(cfg.Store.DataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	s.metrics = perf.NewMetrics("roomctl", nil)

	clientOpts := append([]client.Option{
		client.WithLogger(s.log),
		client.WithStore(s.store),
		client.WithMetrics(s.metrics),
	}, s.clientOpts...)
	s.client, err = client.New(cfg.Client, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s.apiServer, err = api.NewServer(cfg.API.HTTP, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	s.wsServer, err = ws.NewServer(cfg.API.Events, s.log, ws.WithAuthCb(s.wsAuthHandler))
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}

	if err := s.subscribe(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to client events: %w", err)
	}

	s.apiServer.RegisterHandleFunc("GET", "/version", s.getVersion)
	s.apiServer.RegisterHandleFunc("GET", "/system", s.getSystemInfo)
	s.apiServer.RegisterHandleFunc("GET", "/status", s.getStatus)
	s.apiServer.RegisterHandleFunc("GET", "/stats", s.getStats)
	s.apiServer.RegisterHandler("GET /metrics", s.metrics.Handler())
	s.apiServer.RegisterHandler("GET /events", s.wsServer)

	s.apiServer.RegisterHandleFunc("POST", "/status", s.postStatus)
	s.apiServer.RegisterHandleFunc("GET", "/joincode", s.getJoinCode)
	s.apiServer.RegisterHandleFunc("POST", "/joincode/refresh", s.refreshJoinCode)
	s.apiServer.RegisterHandleFunc("POST", "/commands", s.postCommand)
	s.apiServer.RegisterHandleFunc("POST", "/screensharing", s.postScreensharing)

	return s, nil
}

// Start starts serving the API and joins the configured room. It returns
// once the first connection attempt is over.
func (s *Service) Start() error {
	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	s.wg.Add(1)
	go s.eventsReceiver()

	jid, err := s.client.Connect(context.Background(), s.cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.log.Info("roomctl: joined room", mlog.String("jid", jid), mlog.Any("role", s.role()))

	return nil
}

// Stop leaves the room and shuts everything down. It's safe to call even if
// Start failed.
func (s *Service) Stop() error {
	s.client.Disconnect()

	s.wsServer.Close()
	s.wg.Wait()

	if err := s.apiServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.log.Info("roomctl: shutdown complete")

	if err := s.log.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown logger: %w", err)
	}

	return nil
}

func (s *Service) role() client.Role {
	if s.cfg.Session.JoinAsSpot {
		return client.RoleSpotTV
	}
	return client.RoleSpotRemote
}
