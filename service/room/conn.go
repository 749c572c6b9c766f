// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/random"
	"github.com/mattermost/roomctl/service/xmpp"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/time/rate"
)

const (
	dispatchQueueSize = 256
	nickLength        = 8
)

// Metrics is the subset of instrumentation used by Conn.
type Metrics interface {
	IncConnState(state string)
	IncStanzas(direction, kind string)
	IncCommands(direction, cmdType, result string)
	IncPresenceUpdates(direction string)
}

type Option func(c *Conn) error

func WithMetrics(m Metrics) Option {
	return func(c *Conn) error {
		c.metrics = m
		return nil
	}
}

// Conn owns the transport session and the membership to a single room.
// Every other component reaches the room only through it.
type Conn struct {
	cfg       Config
	transport Transport
	log       mlog.LoggerIFace
	metrics   Metrics
	limiter   *rate.Limiter
	tracker   *envelope.Tracker

	handlersMut    sync.RWMutex
	handlers       map[EventType]EventHandler
	requestHandler RequestHandler

	mut         sync.RWMutex
	state       State
	opts        JoinOptions
	sess        *sessionCtx
	roomJID     string
	occupantJID string
	lock        string
	nick        string
	status      presence.Status
}

type joinResult struct {
	created bool
	err     error
}

type dispatchItem struct {
	event   EventType
	payload any
	req     *envelope.Envelope
}

// sessionCtx holds the state bound to a single transport session.
type sessionCtx struct {
	session  Session
	joinCh   chan joinResult
	joined   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	queue    chan dispatchItem
	wg       sync.WaitGroup

	failMut sync.Mutex
	failErr error
}

func newSessionCtx(session Session) *sessionCtx {
	return &sessionCtx{
		session: session,
		joinCh:  make(chan joinResult, 1),
		stopCh:  make(chan struct{}),
		queue:   make(chan dispatchItem, dispatchQueueSize),
	}
}

func (sc *sessionCtx) stop() {
	sc.stopOnce.Do(func() {
		close(sc.stopCh)
	})
}

// resolveJoin completes the pending join. It returns false if the join
// was already resolved.
func (sc *sessionCtx) resolveJoin(res joinResult) bool {
	if !sc.joined.CompareAndSwap(false, true) {
		return false
	}
	sc.joinCh <- res
	return true
}

func (sc *sessionCtx) fail(err error) {
	sc.failMut.Lock()
	defer sc.failMut.Unlock()
	if sc.failErr == nil {
		sc.failErr = err
	}
}

func (sc *sessionCtx) failure() error {
	sc.failMut.Lock()
	defer sc.failMut.Unlock()
	return sc.failErr
}

func NewConn(cfg Config, transport Transport, log mlog.LoggerIFace, opts ...Option) (*Conn, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("invalid transport: should not be nil")
	}

	c := &Conn{
		cfg:       cfg,
		transport: transport,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.StanzaRateLimit), cfg.StanzaBurst),
		tracker:   envelope.NewTracker(cfg.CommandTimeout),
		handlers:  make(map[EventType]EventHandler),
		nick:      random.NewShortID(nickLength),
		status:    presence.NewStatus(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return c, nil
}

// Connect dials the transport and joins the room described by opts,
// creating it if needed. It returns the occupant (full room) jid.
func (c *Conn) Connect(ctx context.Context, opts JoinOptions) (string, error) {
	if err := opts.IsValid(); err != nil {
		return "", err
	}
	if _, occupantJID := c.jids(opts); xmpp.ValidateJID(occupantJID) != nil {
		return "", fmt.Errorf("invalid RoomName value: %q can't be used in an address", opts.RoomName)
	}

	c.mut.Lock()
	if !c.state.canConnect() {
		c.mut.Unlock()
		return "", ErrAlreadyConnected
	}
	prev := c.state
	c.state = StateConnecting
	c.opts = opts
	c.mut.Unlock()
	c.emitStateChange(prev, StateConnecting, nil)

	sc, occupantJID, err := c.connect(ctx, opts)
	if err != nil {
		c.log.Warn("room: failed to connect", mlog.String("room", opts.RoomName), mlog.Err(err))
		next := StateUnrecoverable
		if opts.Retry && IsRetryable(err) {
			next = StateReconnecting
		}
		c.mut.Lock()
		if c.state != StateConnecting {
			c.mut.Unlock()
			return "", err
		}
		c.state = next
		c.mut.Unlock()
		c.emitStateChange(StateConnecting, next, err)
		if next == StateUnrecoverable {
			c.emit(DisconnectEvent, err)
		}
		return "", err
	}

	c.mut.Lock()
	if c.state != StateConnecting || c.sess != sc {
		c.mut.Unlock()
		return "", NewError(KindTransport, ErrDisconnected)
	}
	c.state = StateConnected
	c.mut.Unlock()
	c.emitStateChange(StateConnecting, StateConnected, nil)

	c.log.Info("room: joined", mlog.String("jid", occupantJID))

	return occupantJID, nil
}

func (c *Conn) connect(ctx context.Context, opts JoinOptions) (*sessionCtx, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	session, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, "", classifyDialError(err)
	}

	roomJID, occupantJID := c.jids(opts)

	sc := newSessionCtx(session)

	c.mut.Lock()
	if c.state != StateConnecting {
		c.mut.Unlock()
		session.Close()
		return nil, "", NewError(KindTransport, ErrDisconnected)
	}
	c.sess = sc
	c.roomJID = roomJID
	c.occupantJID = occupantJID
	c.lock = opts.Lock
	status := c.outboundStatusLocked()
	c.mut.Unlock()

	sc.wg.Add(1)
	go c.readLoop(sc)
	go c.dispatchLoop(sc)

	if err := c.send(ctx, sc, newJoinPresence(occupantJID, opts.Lock, status)); err != nil {
		c.teardown(sc)
		return nil, "", NewError(KindTransport, fmt.Errorf("failed to send join presence: %w", err))
	}

	var res joinResult
	select {
	case res = <-sc.joinCh:
	case <-ctx.Done():
		c.teardown(sc)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, "", ctx.Err()
		}
		return nil, "", NewError(KindTimeout, fmt.Errorf("failed to join room: %w", ctx.Err()))
	}

	if res.err != nil {
		c.teardown(sc)
		return nil, "", res.err
	}

	if res.created {
		if !opts.JoinAsSpot {
			_ = sc.session.Send(xmpp.NewPresence(occupantJID, xmpp.PresenceUnavailable))
			c.teardown(sc)
			return nil, "", &Error{
				Kind:      KindRoomNotFound,
				Condition: xmpp.ConditionItemNotFound,
				Err:       fmt.Errorf("room %s does not exist", roomJID),
			}
		}
		if err := c.configureRoom(ctx, sc, roomJID, opts.Lock); err != nil {
			c.teardown(sc)
			return nil, "", NewError(KindTransport, err)
		}
	}

	return sc, occupantJID, nil
}

func (c *Conn) jids(opts JoinOptions) (string, string) {
	nick := opts.Nick
	if nick == "" {
		nick = c.nick
	}
	local := strings.ToLower(opts.RoomName)
	return xmpp.NewJID(local, c.cfg.MUCDomain, ""), xmpp.NewJID(local, c.cfg.MUCDomain, nick)
}

func (c *Conn) outboundStatusLocked() presence.Status {
	status := c.status.Clone()
	if c.opts.JoinAsSpot {
		if err := status.SetBool(string(presence.KeyIsSpot), true); err != nil {
			c.log.Error("room: failed to mark status", mlog.Err(err))
		}
	}
	return status
}

func (c *Conn) configureRoom(ctx context.Context, sc *sessionCtx, roomJID, lock string) error {
	id := random.NewID()
	req, err := c.tracker.Add(id, roomJID)
	if err != nil {
		return fmt.Errorf("failed to track room config: %w", err)
	}
	if err := c.send(ctx, sc, newRoomConfigIQ(id, roomJID, lock)); err != nil {
		c.tracker.Remove(id)
		return fmt.Errorf("failed to send room config: %w", err)
	}
	if _, err := c.tracker.Wait(ctx, req); err != nil {
		return fmt.Errorf("failed to configure room: %w", err)
	}
	return nil
}

// teardown stops and closes a session and waits for its read loop. It
// must not be called while holding c.mut nor from the read loop.
func (c *Conn) teardown(sc *sessionCtx) {
	sc.stop()
	if err := sc.session.Close(); err != nil {
		c.log.Warn("room: failed to close session", mlog.Err(err))
	}
	sc.wg.Wait()

	c.mut.Lock()
	if c.sess == sc {
		c.sess = nil
	}
	c.mut.Unlock()
}

func (c *Conn) readLoop(sc *sessionCtx) {
	defer func() {
		close(sc.queue)
		sc.wg.Done()
	}()

	for {
		select {
		case el, ok := <-sc.session.ReceiveCh():
			if !ok {
				c.handleSessionEnd(sc, sc.session.Err())
				return
			}
			c.handleStanza(sc, el)
			if err := sc.failure(); err != nil {
				c.handleSessionEnd(sc, err)
				return
			}
		case <-sc.stopCh:
			return
		}
	}
}

func (c *Conn) dispatchLoop(sc *sessionCtx) {
	for item := range sc.queue {
		c.dispatch(sc, item)
	}
}

func (c *Conn) enqueue(sc *sessionCtx, item dispatchItem) {
	select {
	case sc.queue <- item:
	case <-sc.stopCh:
	}
}

func (c *Conn) handleStanza(sc *sessionCtx, el *xmpp.Element) {
	if c.metrics != nil {
		c.metrics.IncStanzas("in", el.Name.Local)
	}

	switch el.Name.Local {
	case "presence":
		c.handlePresence(sc, el)
	case "iq":
		c.handleIQ(sc, el)
	default:
		c.log.Debug("room: ignoring stanza", mlog.String("kind", el.Name.Local), mlog.String("from", el.From()))
	}
}

func (c *Conn) handlePresence(sc *sessionCtx, el *xmpp.Element) {
	c.mut.RLock()
	roomJID, occupantJID := c.roomJID, c.occupantJID
	c.mut.RUnlock()

	from := el.From()
	if xmpp.Bare(from) != roomJID {
		c.log.Debug("room: ignoring presence from outside the room", mlog.String("from", from))
		return
	}

	// Errors addressed from the room itself mean the service dropped us.
	if from == roomJID && el.Type() == xmpp.PresenceError {
		serr := xmpp.ParseStanzaError(el)
		if sc.resolveJoin(joinResult{err: classifyStanzaError(serr)}) {
			return
		}
		lost := NewError(KindTransport, errors.New("error presence from room"))
		if serr != nil {
			lost = NewError(KindTransport, fmt.Errorf("error presence from room: %w", serr))
			lost.Condition = serr.Condition
		}
		c.log.Warn("room: session lost", mlog.Err(lost))
		sc.fail(lost)
		return
	}

	codes := mucStatusCodes(el)
	if from == occupantJID || codes[statusSelfPresence] {
		switch el.Type() {
		case xmpp.PresenceError:
			err := classifyStanzaError(xmpp.ParseStanzaError(el))
			if !sc.resolveJoin(joinResult{err: err}) {
				sc.fail(err)
			}
		case xmpp.PresenceUnavailable:
			if !sc.resolveJoin(joinResult{err: NewError(KindTransport, errors.New("join rejected"))}) {
				sc.fail(NewError(KindTransport, errors.New("removed from room")))
			}
		default:
			sc.resolveJoin(joinResult{created: codes[statusRoomCreated]})
		}
		return
	}

	if c.metrics != nil {
		c.metrics.IncPresenceUpdates("in")
	}
	c.enqueue(sc, dispatchItem{event: PresenceEvent, payload: presence.Decode(el)})
}

func (c *Conn) handleIQ(sc *sessionCtx, el *xmpp.Element) {
	switch el.Type() {
	case xmpp.IQResult, xmpp.IQError:
		if !c.tracker.Resolve(el) {
			c.log.Debug("room: dropping unexpected ack", mlog.String("id", el.ID()), mlog.String("from", el.From()))
		}
	case xmpp.IQSet, xmpp.IQGet:
		if el.ChildNS(nsPing, "ping") != nil {
			c.sendAsync(sc, xmpp.NewIQ(el.ID(), el.From(), xmpp.IQResult))
			return
		}

		env, err := envelope.Parse(el)
		if errors.Is(err, envelope.ErrNotEnvelope) {
			reply := xmpp.NewIQ(el.ID(), el.From(), xmpp.IQError)
			reply.AddChild(xmpp.NewErrorElement("cancel", xmpp.ConditionServiceUnavail))
			c.sendAsync(sc, reply)
			return
		} else if err != nil {
			c.log.Warn("room: malformed request payload", mlog.Err(err))
		}
		c.enqueue(sc, dispatchItem{req: &env})
	default:
		c.log.Debug("room: ignoring iq", mlog.String("type", el.Type()))
	}
}

func (c *Conn) dispatch(sc *sessionCtx, item dispatchItem) {
	if item.req == nil {
		c.emit(item.event, item.payload)
		return
	}

	req := *item.req
	c.handlersMut.RLock()
	handler := c.requestHandler
	c.handlersMut.RUnlock()

	var resp any
	var err error
	if handler != nil {
		resp, err = handler(req)
	}

	result := "ok"
	var ack *xmpp.Element
	if err != nil {
		c.log.Error("room: failed to handle request",
			mlog.String("kind", req.Kind.String()), mlog.String("type", req.Type), mlog.Err(err))
		ack = envelope.NewErrorAck(req, xmpp.ConditionBadRequest)
		result = "error"
	} else if ack, err = envelope.NewAck(req, resp); err != nil {
		c.log.Error("room: failed to build ack", mlog.Err(err))
		ack, _ = envelope.NewAck(req, nil)
	}

	if c.metrics != nil && req.Kind == envelope.KindCommand {
		c.metrics.IncCommands("in", req.Type, result)
	}

	c.sendAsync(sc, ack)
}

func (c *Conn) handleSessionEnd(sc *sessionCtx, cause error) {
	var rerr *Error
	if !errors.As(cause, &rerr) {
		if cause == nil {
			cause = ErrDisconnected
		}
		rerr = NewError(KindTransport, cause)
	}

	c.mut.Lock()
	if c.sess != sc {
		c.mut.Unlock()
		return
	}
	if c.state == StateConnecting {
		c.mut.Unlock()
		sc.resolveJoin(joinResult{err: rerr})
		return
	}
	if c.state != StateConnected {
		c.mut.Unlock()
		return
	}
	next := StateUnrecoverable
	if c.opts.Retry && rerr.Kind.Retryable() {
		next = StateReconnecting
	}
	c.state = next
	c.sess = nil
	c.mut.Unlock()

	c.log.Warn("room: connection lost", mlog.Err(rerr), mlog.String("next", next.String()))

	sc.stop()
	if err := sc.session.Close(); err != nil {
		c.log.Debug("room: failed to close session", mlog.Err(err))
	}
	c.tracker.RejectAll(NewError(KindTransport, ErrDisconnected))

	c.emitStateChange(StateConnected, next, rerr)
	c.emit(DisconnectEvent, rerr)
}

func (c *Conn) send(ctx context.Context, sc *sessionCtx, el *xmpp.Element) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if err := sc.session.Send(el); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.IncStanzas("out", el.Name.Local)
	}
	return nil
}

func (c *Conn) sendAsync(sc *sessionCtx, el *xmpp.Element) {
	if err := c.send(context.Background(), sc, el); err != nil {
		c.log.Warn("room: failed to send stanza", mlog.String("kind", el.Name.Local), mlog.Err(err))
	}
}

func (c *Conn) currentSession() (*sessionCtx, error) {
	c.mut.RLock()
	defer c.mut.RUnlock()
	if c.state != StateConnected || c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

// SendCommand sends a command to the occupant `to` and waits for its ack.
func (c *Conn) SendCommand(ctx context.Context, to string, t envelope.CommandType, data any) (json.RawMessage, error) {
	sc, err := c.currentSession()
	if err != nil {
		return nil, err
	}

	id := random.NewID()
	iq, err := envelope.NewCommand(id, to, t, data)
	if err != nil {
		return nil, err
	}

	req, err := c.tracker.Add(id, to)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, sc, iq); err != nil {
		c.tracker.Remove(id)
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	resp, err := c.tracker.Wait(ctx, req)
	if c.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, envelope.ErrCommandTimeout) {
				result = "timeout"
			}
		}
		c.metrics.IncCommands("out", string(t), result)
	}
	if err != nil {
		return nil, classifyCommandError(err)
	}

	return resp, nil
}

// SendMessage sends a message to the occupant `to`. It returns once the
// message is handed to the transport.
func (c *Conn) SendMessage(ctx context.Context, to string, t envelope.MessageType, data any) error {
	sc, err := c.currentSession()
	if err != nil {
		return err
	}

	iq, err := envelope.NewMessage(random.NewID(), to, t, data)
	if err != nil {
		return err
	}

	if err := c.send(ctx, sc, iq); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

// SetLock changes the room password and notifies the LockChangeEvent
// subscriber once the server accepted it.
func (c *Conn) SetLock(ctx context.Context, lock string) error {
	sc, err := c.currentSession()
	if err != nil {
		return err
	}

	c.mut.RLock()
	roomJID := c.roomJID
	c.mut.RUnlock()

	if err := c.configureRoom(ctx, sc, roomJID, lock); err != nil {
		return err
	}

	c.mut.Lock()
	c.lock = lock
	c.mut.Unlock()

	c.emit(LockChangeEvent, LockChange{Lock: lock})

	return nil
}

// UpdateStatus replaces the local status and broadcasts it to the room.
// While not connected the status is only stored and sent on join.
func (c *Conn) UpdateStatus(status presence.Status) error {
	c.mut.Lock()
	c.status = status.Clone()
	sc := c.sess
	connected := c.state == StateConnected
	occupantJID := c.occupantJID
	outbound := c.outboundStatusLocked()
	c.mut.Unlock()

	if !connected || sc == nil {
		return nil
	}

	if err := c.send(context.Background(), sc, presence.Encode(occupantJID, outbound)); err != nil {
		return fmt.Errorf("failed to broadcast presence: %w", err)
	}
	if c.metrics != nil {
		c.metrics.IncPresenceUpdates("out")
	}

	return nil
}

// Disconnect leaves the room and closes the session. The connection can be
// established again with Connect.
func (c *Conn) Disconnect() {
	c.mut.Lock()
	sc := c.sess
	c.sess = nil
	prev := c.state
	c.state = StateDisconnected
	occupantJID := c.occupantJID
	c.mut.Unlock()

	if sc != nil {
		if prev == StateConnected {
			if err := sc.session.Send(xmpp.NewPresence(occupantJID, xmpp.PresenceUnavailable)); err != nil {
				c.log.Debug("room: failed to send unavailable presence", mlog.Err(err))
			}
		}
		c.teardown(sc)
		sc.resolveJoin(joinResult{err: NewError(KindTransport, ErrDisconnected)})
	}

	c.tracker.RejectAll(NewError(KindTransport, ErrDisconnected))

	if prev != StateDisconnected {
		c.emitStateChange(prev, StateDisconnected, nil)
	}
}

// GiveUp marks a reconnecting connection as unrecoverable.
func (c *Conn) GiveUp(err error) {
	c.mut.Lock()
	if c.state != StateReconnecting {
		c.mut.Unlock()
		return
	}
	c.state = StateUnrecoverable
	c.mut.Unlock()

	c.emitStateChange(StateReconnecting, StateUnrecoverable, err)
}

func (c *Conn) State() State {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.state
}

func (c *Conn) HasConnection() bool {
	return c.State() == StateConnected
}

// RoomFullJID returns the occupant jid of the local participant.
func (c *Conn) RoomFullJID() string {
	c.mut.RLock()
	defer c.mut.RUnlock()
	if c.state != StateConnected {
		return ""
	}
	return c.occupantJID
}

func (c *Conn) RoomBareJID() string {
	c.mut.RLock()
	defer c.mut.RUnlock()
	if c.state != StateConnected {
		return ""
	}
	return c.roomJID
}

// RoomName returns the local part of the room jid.
func (c *Conn) RoomName() string {
	return xmpp.Local(c.RoomBareJID())
}

func (c *Conn) Lock() string {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.lock
}

// Options returns the options of the last connection attempt.
func (c *Conn) Options() JoinOptions {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.opts
}
