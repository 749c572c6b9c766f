// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattermost/roomctl/service/bridge"
	"github.com/mattermost/roomctl/service/perf"
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/random"
	"github.com/mattermost/roomctl/service/room"
	"github.com/mattermost/roomctl/service/store"
	"github.com/mattermost/roomctl/service/supervisor"
	"github.com/mattermost/roomctl/service/xmpp"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

var (
	ErrNotSpot       = errors.New("only a spot can do this")
	ErrNotRemote     = errors.New("only a remote can do this")
	ErrNoSpot        = errors.New("spot is not known")
	ErrInFlight      = errors.New("a request of the same type is already in flight")
	ErrNotConnected  = room.ErrNotConnected
	errConnectClosed = errors.New("client disconnected while connecting")
)

type Option func(c *Client) error

func WithLogger(log mlog.LoggerIFace) Option {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// WithTransport sets the transport used to reach the chat server. The
// default dials the configured XMPP WebSocket endpoint.
func WithTransport(t room.Transport) Option {
	return func(c *Client) error {
		c.transport = t
		return nil
	}
}

// WithStore sets a store used to persist join codes across restarts.
func WithStore(s store.Store) Option {
	return func(c *Client) error {
		c.store = s
		return nil
	}
}

func WithMetrics(m *perf.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithSpotIDFunc sets the function returning the jid of the Spot-TV that
// commands are sent to. The default is the last occupant advertising
// itself as a spot.
func WithSpotIDFunc(fn func() string) Option {
	return func(c *Client) error {
		c.spotIDFn = fn
		return nil
	}
}

type connectResult struct {
	done chan struct{}
	jid  string
	err  error
}

func (r *connectResult) resolve(jid string, err error) {
	r.jid = jid
	r.err = err
	close(r.done)
}

// Client is the remote control service. It acts either as a Spot-TV, which
// owns the room and receives commands, or as a Spot-Remote, which sends
// them.
type Client struct {
	cfg       Config
	log       mlog.LoggerIFace
	transport room.Transport
	store     store.Store
	metrics   *perf.Metrics
	spotIDFn  func() string

	conn       *room.Conn
	supervisor *supervisor.Supervisor
	retrier    *bridgeRetrier

	handlers    map[EventType]EventHandler
	handlersMut sync.RWMutex

	mut           sync.RWMutex
	connectRes    *connectResult
	opts          ConnectOptions
	roomName      string
	status        presence.Status
	spotState     *SpotState
	bridges       map[string]*bridge.Bridge
	cmdBridges    map[string]*bridge.Bridge
	refreshCancel context.CancelFunc
	refreshWg     sync.WaitGroup

	// requests waiting for an ack over a peer bridge
	dcPending    map[string]chan struct{}
	dcPendingMut sync.Mutex

	goToMeetingInFlight sync.Mutex
}

// New initializes and returns a new remote control client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		handlers:  make(map[EventType]EventHandler),
		status:    presence.NewStatus(),
		bridges:    make(map[string]*bridge.Bridge),
		cmdBridges: make(map[string]*bridge.Bridge),
		dcPending:  make(map[string]chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if c.log == nil {
		log, err := mlog.NewLogger()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		c.log = log
	}

	if c.transport == nil {
		if err := cfg.XMPP.IsValid(); err != nil {
			return nil, fmt.Errorf("failed to validate config: invalid XMPP config: %w", err)
		}
		c.transport = room.NewWSTransport(cfg.XMPP, c.log)
	}

	var connOpts []room.Option
	var supOpts []supervisor.Option
	if c.metrics != nil {
		connOpts = append(connOpts, room.WithMetrics(c.metrics))
		supOpts = append(supOpts, supervisor.WithMetrics(c.metrics))
	}

	var err error
	c.conn, err = room.NewConn(cfg.Room, c.transport, c.log, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create room connection: %w", err)
	}

	supOpts = append(supOpts,
		supervisor.WithOnReconnected(c.handleReconnected),
		supervisor.WithOnGiveUp(c.handleGiveUp),
	)
	c.supervisor, err = supervisor.New(cfg.Reconnect, supervisor.ConnectorFunc(c.reconnect), c.log, supOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	if cfg.P2P.Enable {
		c.retrier = newBridgeRetrier(cfg.P2P, c.ensureCommandBridge, func() bool {
			return c.conn.State() == room.StateConnected
		}, c.log)
	}

	if err := c.conn.On(room.StateChangeEvent, c.handleStateChange); err != nil {
		return nil, err
	}
	if err := c.conn.On(room.PresenceEvent, c.handlePresence); err != nil {
		return nil, err
	}
	if err := c.conn.On(room.LockChangeEvent, c.handleLockChange); err != nil {
		return nil, err
	}
	if err := c.conn.OnRequest(c.handleRequest); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect joins the room described by opts and returns the local occupant
// jid. Calls made while an attempt is in flight, or after it succeeded,
// share its outcome until Disconnect is called.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	if err := opts.IsValid(); err != nil {
		return "", err
	}

	c.mut.Lock()
	res := c.connectRes
	if res == nil {
		res = &connectResult{done: make(chan struct{})}
		c.connectRes = res
		c.opts = opts
		go c.connect(res, opts)
	}
	c.mut.Unlock()

	select {
	case <-res.done:
		return res.jid, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) connect(res *connectResult, opts ConnectOptions) {
	joinOpts, err := c.resolveJoinOptions(opts)
	if err != nil {
		c.finishConnect(res, "", err)
		return
	}

	if opts.JoinAsSpot {
		c.setSpotJoinCode(joinOpts.RoomName, joinOpts.Lock)
	}

	jid, err := c.conn.Connect(context.Background(), joinOpts)
	if err != nil {
		c.log.Warn("client: failed to connect", mlog.String("room", joinOpts.RoomName), mlog.Err(err))
		if room.KindOf(err) == room.KindNotAuthorized {
			c.forgetProfile(opts.role())
		}
		// The first attempt is not retried in the background, its outcome
		// goes to the callers.
		c.conn.GiveUp(err)
		c.finishConnect(res, "", err)
		return
	}

	c.mut.Lock()
	if c.connectRes != res {
		c.mut.Unlock()
		c.conn.Disconnect()
		res.resolve("", errConnectClosed)
		return
	}
	c.roomName = joinOpts.RoomName
	c.mut.Unlock()

	c.onConnected(opts.JoinAsSpot, joinOpts)
	c.finishConnect(res, jid, nil)
}

// finishConnect resolves res. A failed attempt is forgotten so that a later
// Connect starts over.
func (c *Client) finishConnect(res *connectResult, jid string, err error) {
	c.mut.Lock()
	if c.connectRes == res && err != nil {
		c.connectRes = nil
	}
	c.mut.Unlock()
	res.resolve(jid, err)
}

// resolveJoinOptions turns connect options into the room to join,
// exchanging join codes and generating credentials as needed.
func (c *Client) resolveJoinOptions(opts ConnectOptions) (room.JoinOptions, error) {
	joinOpts := room.JoinOptions{
		RoomName:   opts.RoomName,
		Lock:       opts.Lock,
		JoinAsSpot: opts.JoinAsSpot,
		Nick:       opts.Nick,
		Retry:      opts.AutoReconnect,
	}

	if opts.JoinCode != "" {
		roomName, lock, err := c.ExchangeCode(opts.JoinCode)
		if err != nil {
			return joinOpts, err
		}
		joinOpts.RoomName = roomName
		joinOpts.Lock = lock
		return joinOpts, nil
	}

	if !opts.JoinAsSpot {
		return joinOpts, nil
	}

	if joinOpts.RoomName == "" && c.store != nil {
		if p, err := store.LoadProfile(c.store, string(RoleSpotTV)); err == nil {
			c.log.Debug("client: reusing stored room", mlog.String("room", p.RoomName))
			joinOpts.RoomName = p.RoomName
		} else if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("client: failed to load profile", mlog.Err(err))
		}
	}

	if joinOpts.RoomName == "" {
		name, err := random.NewCode(random.CodePartLength)
		if err != nil {
			return joinOpts, fmt.Errorf("failed to generate room name: %w", err)
		}
		joinOpts.RoomName = name
	}

	if joinOpts.Lock == "" {
		lock, err := random.NewLock()
		if err != nil {
			return joinOpts, fmt.Errorf("failed to generate lock: %w", err)
		}
		joinOpts.Lock = lock
	}

	return joinOpts, nil
}

// ExchangeCode maps a join code to the room name and lock it stands for.
func (c *Client) ExchangeCode(code string) (string, string, error) {
	if c.store != nil {
		p, err := store.LookupJoinCode(c.store, code)
		if err == nil {
			return p.RoomName, p.Lock, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("client: failed to lookup join code", mlog.Err(err))
		}
	}

	roomName, lock, err := random.SplitJoinCode(code)
	if err != nil {
		return "", "", &room.Error{
			Kind:      room.KindNotAuthorized,
			Condition: xmpp.ConditionNotAuthorized,
			Err:       err,
		}
	}

	return roomName, lock, nil
}

func (c *Client) onConnected(isSpot bool, joinOpts room.JoinOptions) {
	if isSpot {
		c.saveSpotProfile(joinOpts.RoomName, joinOpts.Lock)
		c.startJoinCodeRefresh()
		return
	}

	c.mut.RLock()
	code := c.opts.JoinCode
	c.mut.RUnlock()
	c.saveProfile(RoleSpotRemote, store.Profile{
		RoomName: joinOpts.RoomName,
		Lock:     joinOpts.Lock,
		JoinCode: code,
	})
}

// Disconnect leaves the room and stops any background activity. The client
// can connect again afterwards. It must not be called from an event
// handler.
func (c *Client) Disconnect() {
	c.mut.Lock()
	res := c.connectRes
	c.connectRes = nil
	c.spotState = nil
	c.mut.Unlock()

	c.supervisor.Stop()
	c.stopJoinCodeRefresh()
	c.stopCommandBridge()
	c.destroyBridges()
	c.conn.Disconnect()

	if res != nil {
		<-res.done
	}
}

func (c *Client) State() room.State {
	return c.conn.State()
}

// IsReconnecting tells whether the connection was lost and is being
// established again.
func (c *Client) IsReconnecting() bool {
	return c.supervisor.IsReconnecting() || c.conn.State() == room.StateReconnecting
}

// RoomFullJID returns the local occupant jid, or an empty string if not
// connected.
func (c *Client) RoomFullJID() string {
	return c.conn.RoomFullJID()
}

func (c *Client) IsSpot() bool {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.opts.JoinAsSpot
}

func (c *Client) saveProfile(role Role, p store.Profile) {
	if c.store == nil {
		return
	}
	if err := store.SaveProfile(c.store, string(role), p); err != nil {
		c.log.Warn("client: failed to save profile", mlog.String("role", string(role)), mlog.Err(err))
	}
}

// forgetProfile drops stored credentials that the server rejected.
func (c *Client) forgetProfile(role Role) {
	if c.store == nil {
		return
	}

	c.mut.RLock()
	code := c.opts.JoinCode
	c.mut.RUnlock()

	if err := store.DeleteProfile(c.store, string(role)); err != nil {
		c.log.Warn("client: failed to delete profile", mlog.Err(err))
	}
	if code != "" {
		if err := store.ReleaseJoinCode(c.store, code); err != nil {
			c.log.Warn("client: failed to release join code", mlog.Err(err))
		}
	}
}
