// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/logger"
	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

const (
	testMUCDomain = "conference.example.com"
	testAdminKey  = "admin_secret_key"
	testRoomName  = "room1"
	testLock      = "abc123"
	waitTimeout   = 5 * time.Second
)

type TestHelper struct {
	srvc   *Service
	cfg    Config
	hub    *room.MemoryHub
	log    *mlog.Logger
	tb     testing.TB
	apiURL string
	dbDir  string

	// spot is a plain client acting as the Spot-TV when the service joins
	// as a Spot-Remote.
	spot *client.Client
}

func testConfig(dbDir string) Config {
	var cfg Config
	cfg.SetDefaults()
	cfg.API.HTTP.ListenAddress = ":0"
	cfg.API.Security = SecurityConfig{
		EnableAdmin:    true,
		AdminSecretKey: testAdminKey,
	}
	cfg.Client.Room.MUCDomain = testMUCDomain
	cfg.Client.Room.CommandTimeout = 2 * time.Second
	cfg.Client.Bridge.IncludeLoopback = true
	cfg.Session = client.ConnectOptions{
		JoinAsSpot: true,
		RoomName:   testRoomName,
		Lock:       testLock,
	}
	cfg.Store.DataSource = dbDir
	cfg.Logger = logger.Config{
		EnableConsole: true,
		ConsoleLevel:  "ERROR",
	}
	return cfg
}

// SetupTestHelper starts a service connected to an in-memory chat server.
// updateCfg, if not nil, can alter the config before the service is
// created. A spot client is connected first when the service joins as a
// Spot-Remote.
func SetupTestHelper(tb testing.TB, updateCfg func(cfg *Config)) *TestHelper {
	tb.Helper()
	var err error

	dbDir, err := os.MkdirTemp("", "db")
	require.NoError(tb, err)

	th := &TestHelper{
		cfg:   testConfig(dbDir),
		hub:   room.NewMemoryHub(testMUCDomain),
		tb:    tb,
		dbDir: dbDir,
	}
	if updateCfg != nil {
		updateCfg(&th.cfg)
	}

	th.log, err = mlog.NewLogger()
	require.NoError(tb, err)

	if !th.cfg.Session.JoinAsSpot {
		th.spot = th.newClient()
		_, err := th.spot.Connect(context.Background(), client.ConnectOptions{
			JoinAsSpot: true,
			RoomName:   th.cfg.Session.RoomName,
			Lock:       th.cfg.Session.Lock,
		})
		require.NoError(tb, err)
	}

	th.srvc, err = New(th.cfg, WithTransport(th.hub))
	require.NoError(th.tb, err)
	require.NotNil(th.tb, th.srvc)

	err = th.srvc.Start()
	require.NoError(th.tb, err)

	_, port, err := net.SplitHostPort(th.srvc.apiServer.Addr())
	require.NoError(th.tb, err)
	th.apiURL = "http://localhost:" + port

	if th.spot != nil {
		require.Eventually(tb, func() bool {
			_, ok := th.srvc.client.SpotState()
			return ok
		}, waitTimeout, 10*time.Millisecond)
	}

	return th
}

func (th *TestHelper) Teardown() {
	err := th.srvc.Stop()
	require.NoError(th.tb, err)

	if th.spot != nil {
		th.spot.Disconnect()
	}

	err = th.log.Shutdown()
	require.NoError(th.tb, err)

	err = os.RemoveAll(th.dbDir)
	require.NoError(th.tb, err)
}

// newClient returns a client using the same chat server as the service.
func (th *TestHelper) newClient() *client.Client {
	th.tb.Helper()
	cfg := th.cfg.Client
	c, err := client.New(cfg, client.WithLogger(th.log), client.WithTransport(th.hub))
	require.NoError(th.tb, err)
	return c
}

// newRemote connects a Spot-Remote client to the service room and waits
// for it to see the spot.
func (th *TestHelper) newRemote() *client.Client {
	th.tb.Helper()
	c := th.newClient()
	_, err := c.Connect(context.Background(), client.ConnectOptions{
		RoomName: th.cfg.Session.RoomName,
		Lock:     th.cfg.Session.Lock,
	})
	require.NoError(th.tb, err)
	require.Eventually(th.tb, func() bool {
		return c.SpotID() != ""
	}, waitTimeout, 10*time.Millisecond)
	return c
}

func (th *TestHelper) request(method, path, authKey string, body any) (int, map[string]any) {
	th.tb.Helper()

	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(th.tb, err)
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, th.apiURL+path, reqBody)
	require.NoError(th.tb, err)
	if authKey != "" {
		req.SetBasicAuth("", authKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(th.tb, err)
	defer resp.Body.Close()

	var res map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(th.tb, json.NewDecoder(resp.Body).Decode(&res))
	}

	return resp.StatusCode, res
}

func (th *TestHelper) adminRequest(method, path string, body any) (int, map[string]any) {
	th.tb.Helper()
	return th.request(method, path, testAdminKey, body)
}
