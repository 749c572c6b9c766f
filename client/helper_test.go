// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/roomctl/service/room"
	"github.com/mattermost/roomctl/service/store"
	"github.com/mattermost/roomctl/service/supervisor"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

const (
	testMUCDomain = "conference.example.com"
	waitTimeout   = 5 * time.Second
)

func testConfig() Config {
	var cfg Config
	cfg.Room.MUCDomain = testMUCDomain
	cfg.SetDefaults()
	cfg.Room.CommandTimeout = 2 * time.Second
	cfg.Reconnect = supervisor.Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.1,
		MaxAttempts:  5,
	}
	cfg.Bridge.IncludeLoopback = true
	return cfg
}

type testHelper struct {
	t   *testing.T
	hub *room.MemoryHub
	log mlog.LoggerIFace
}

func setupTestHelper(t *testing.T) *testHelper {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, log.Shutdown())
	})

	return &testHelper{
		t:   t,
		hub: room.NewMemoryHub(testMUCDomain),
		log: log,
	}
}

func (th *testHelper) newClient(cfg Config, opts ...Option) *Client {
	th.t.Helper()
	opts = append([]Option{WithLogger(th.log), WithTransport(th.hub)}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(th.t, err)
	th.t.Cleanup(c.Disconnect)
	return c
}

func (th *testHelper) newStore() store.Store {
	th.t.Helper()
	dbDir, err := os.MkdirTemp("", "db")
	require.NoError(th.t, err)
	st, err := store.New(dbDir)
	require.NoError(th.t, err)
	th.t.Cleanup(func() {
		require.NoError(th.t, st.Close())
		os.RemoveAll(dbDir)
	})
	return st
}

// connect connects c and returns its occupant jid along with the hub
// session it was given.
func (th *testHelper) connect(c *Client, opts ConnectOptions) (string, string) {
	th.t.Helper()
	before := th.hub.Sessions()
	jid, err := c.Connect(context.Background(), opts)
	require.NoError(th.t, err)
	require.NotEmpty(th.t, jid)

	known := make(map[string]bool, len(before))
	for _, s := range before {
		known[s] = true
	}
	var session string
	for _, s := range th.hub.Sessions() {
		if !known[s] {
			session = s
		}
	}
	require.NotEmpty(th.t, session)

	return jid, session
}

// setupPair connects a spot and a remote to room1 and waits for the remote
// to learn about the spot.
func (th *testHelper) setupPair(cfg Config, remoteOpts ConnectOptions) (spot, remote *Client, spotEvents, remoteEvents *recorder) {
	th.t.Helper()

	spot = th.newClient(cfg)
	spotEvents = newRecorder(th.t, spot)
	th.connect(spot, ConnectOptions{JoinAsSpot: true, RoomName: "room1", Lock: "abc123"})

	remote = th.newClient(cfg)
	remoteEvents = newRecorder(th.t, remote)
	if remoteOpts.RoomName == "" && remoteOpts.JoinCode == "" {
		remoteOpts.RoomName = "room1"
		remoteOpts.Lock = "abc123"
	}
	th.connect(remote, remoteOpts)

	state := waitFor(th.t, remoteEvents.spotState, func(s SpotState) bool {
		return s.SpotID == spot.RoomFullJID()
	})
	require.Equal(th.t, "true", state.Status.Value("isSpot"))

	return spot, remote, spotEvents, remoteEvents
}

type recorder struct {
	stateChange chan room.StateChange
	disconnect  chan error
	joinCode    chan JoinCodeChange
	spotState   chan SpotState
	message     chan Message
	remoteLeft  chan string
	screenshare chan WirelessScreensharingState
	cmdBridge   chan CommandBridgeState
	commandCh   chan Command

	hookMut sync.Mutex
	hook    func(Command) error
}

func newRecorder(t *testing.T, c *Client) *recorder {
	t.Helper()

	r := &recorder{
		stateChange: subscribe[room.StateChange](t, c, StateChangeEvent),
		disconnect:  subscribe[error](t, c, DisconnectEvent),
		joinCode:    subscribe[JoinCodeChange](t, c, JoinCodeChangeEvent),
		spotState:   subscribe[SpotState](t, c, SpotStateEvent),
		message:     subscribe[Message](t, c, MessageEvent),
		remoteLeft:  subscribe[string](t, c, RemoteLeftEvent),
		screenshare: subscribe[WirelessScreensharingState](t, c, WirelessScreensharingEvent),
		cmdBridge:   subscribe[CommandBridgeState](t, c, CommandBridgeEvent),
		commandCh:   make(chan Command, 64),
	}

	require.NoError(t, c.On(CommandEvent, func(ctx any) error {
		cmd := ctx.(Command)
		r.commandCh <- cmd
		r.hookMut.Lock()
		hook := r.hook
		r.hookMut.Unlock()
		if hook != nil {
			return hook(cmd)
		}
		return nil
	}))

	return r
}

// setCommandHook sets what the command handler returns.
func (r *recorder) setCommandHook(hook func(Command) error) {
	r.hookMut.Lock()
	defer r.hookMut.Unlock()
	r.hook = hook
}

func subscribe[T any](t *testing.T, c *Client, eventType EventType) chan T {
	t.Helper()
	ch := make(chan T, 64)
	require.NoError(t, c.On(eventType, func(ctx any) error {
		v, _ := ctx.(T)
		select {
		case ch <- v:
		default:
		}
		return nil
	}))
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case v := <-ch:
			if match == nil || match(v) {
				return v
			}
		case <-timer.C:
			require.FailNow(t, "timed out waiting for event")
			var zero T
			return zero
		}
	}
}

func requireNoEvent[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		require.Failf(t, "unexpected event", "%v", v)
	case <-time.After(d):
	}
}
