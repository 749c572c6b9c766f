// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/roomctl/service/dc"
	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the single data channel opened by the
// offering side.
const DataChannelLabel = "proxyConnectionDC"

var (
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrAlreadyNegotiating = errors.New("peer connection already exists")
	ErrNoPeerConnection   = errors.New("peer connection not initialized")
	ErrClosed             = errors.New("bridge is closed")
	ErrICEFailed          = errors.New("ice connection failed")
	ErrInvalidSignal      = errors.New("invalid signal")
)

type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Signal is a single signaling message. Exactly one field is expected to be
// set. Each value is itself a JSON encoded session description or ICE
// candidate.
type Signal struct {
	Offer     string `json:"offer,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// SignalFunc delivers a signal to the remote peer.
type SignalFunc func(remoteAddress string, sig Signal) error

type Metrics interface {
	IncBridgeState(state string)
}

type Option func(b *Bridge) error

func WithMetrics(m Metrics) Option {
	return func(b *Bridge) error {
		b.metrics = m
		return nil
	}
}

// WithOnStatusChanged sets the callback invoked on every transition of the
// data channel between active and inactive.
func WithOnStatusChanged(cb func(active bool)) Option {
	return func(b *Bridge) error {
		b.onStatusChanged = cb
		return nil
	}
}

// WithOnMessage sets the callback invoked for each data channel message.
// Pings are answered internally and not forwarded.
func WithOnMessage(cb func(mt dc.MessageType, payload any)) Option {
	return func(b *Bridge) error {
		b.onMessage = cb
		return nil
	}
}

// WithOnClose sets the callback invoked once the bridge is closed. The
// error is nil when closed through Stop.
func WithOnClose(cb func(err error)) Option {
	return func(b *Bridge) error {
		b.onClose = cb
		return nil
	}
}

// Bridge is a direct data channel to a single remote peer, negotiated
// through a signaling callback.
type Bridge struct {
	cfg           Config
	remoteAddress string
	signalFn      SignalFunc
	log           mlog.LoggerIFace
	metrics       Metrics

	onStatusChanged func(active bool)
	onMessage       func(mt dc.MessageType, payload any)
	onClose         func(err error)

	mut           sync.Mutex
	state         State
	pc            *webrtc.PeerConnection
	dc            *webrtc.DataChannel
	dcOpen        bool
	iceConnected  bool
	active        bool
	remoteSet     bool
	descSent      bool
	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
	timer         *time.Timer
}

func New(cfg Config, remoteAddress string, signalFn SignalFunc, log mlog.LoggerIFace, opts ...Option) (*Bridge, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if remoteAddress == "" {
		return nil, fmt.Errorf("invalid remoteAddress: should not be empty")
	}
	if signalFn == nil {
		return nil, fmt.Errorf("invalid signalFn: should not be nil")
	}

	b := &Bridge{
		cfg:           cfg,
		remoteAddress: remoteAddress,
		signalFn:      signalFn,
		log:           log,
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return b, nil
}

func (b *Bridge) RemoteAddress() string {
	return b.remoteAddress
}

func (b *Bridge) State() State {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.state
}

// IsActive tells whether ICE is connected and the data channel is open.
func (b *Bridge) IsActive() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.active
}

func (b *Bridge) newPeerConnection() (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	se.LoggerFactory = newPionLoggerFactory(b.log)
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	se.SetIncludeLoopbackCandidate(b.cfg.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: b.cfg.ICEServers.toWebRTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(b.handleLocalCandidate)
	pc.OnICEConnectionStateChange(b.handleICEStateChange)
	pc.OnDataChannel(b.setDataChannel)

	return pc, nil
}

// initPeerConnection moves the bridge from idle to negotiating.
func (b *Bridge) initPeerConnection() (*webrtc.PeerConnection, error) {
	b.mut.Lock()
	defer b.mut.Unlock()

	switch b.state {
	case StateClosed:
		return nil, ErrClosed
	case StateIdle:
	default:
		return nil, ErrAlreadyNegotiating
	}

	pc, err := b.newPeerConnection()
	if err != nil {
		return nil, err
	}

	b.pc = pc
	b.setState(StateNegotiating)
	b.timer = time.AfterFunc(b.cfg.NegotiationTimeout, func() {
		b.log.Warn("bridge: negotiation timed out", mlog.String("remoteAddress", b.remoteAddress))
		b.close(room.NewError(room.KindPeerNegotiation, ErrNegotiationTimeout))
	})

	return pc, nil
}

// setState must be called with the lock held.
func (b *Bridge) setState(state State) {
	b.state = state
	if b.metrics != nil {
		b.metrics.IncBridgeState(state.String())
	}
}

// CreateOffer starts a negotiation as the offering side. The offer is
// delivered through the signal callback.
func (b *Bridge) CreateOffer(ctx context.Context) error {
	pc, err := b.initPeerConnection()
	if err != nil {
		return err
	}

	if err := b.createOffer(ctx, pc); err != nil {
		b.close(room.NewError(room.KindPeerNegotiation, err))
		return err
	}

	return nil
}

func (b *Bridge) createOffer(ctx context.Context, pc *webrtc.PeerConnection) error {
	dataCh, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	b.setDataChannel(dataCh)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	sdp, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	if err := b.signalFn(b.remoteAddress, Signal{Offer: string(sdp)}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	b.flushLocalCandidates()

	return nil
}

// SetOffer answers a remote offer. The answer is delivered through the
// signal callback and also returned.
func (b *Bridge) SetOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := b.initPeerConnection()
	if errors.Is(err, ErrAlreadyNegotiating) {
		b.log.Error("bridge: received offer while a peer connection exists", mlog.String("remoteAddress", b.remoteAddress))
		return webrtc.SessionDescription{}, err
	} else if err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := b.setOffer(ctx, pc, offer)
	if err != nil {
		b.close(room.NewError(room.KindPeerNegotiation, err))
		return webrtc.SessionDescription{}, err
	}

	return answer, nil
}

func (b *Bridge) setOffer(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := b.setRemoteDescription(pc, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	sdp, err := json.Marshal(answer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to marshal answer: %w", err)
	}
	if err := b.signalFn(b.remoteAddress, Signal{Answer: string(sdp)}); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to send answer: %w", err)
	}
	b.flushLocalCandidates()

	return answer, nil
}

// SetAnswer completes a negotiation started with CreateOffer.
func (b *Bridge) SetAnswer(answer webrtc.SessionDescription) error {
	b.mut.Lock()
	pc := b.pc
	b.mut.Unlock()

	if pc == nil {
		return ErrNoPeerConnection
	}

	return b.setRemoteDescription(pc, answer)
}

func (b *Bridge) setRemoteDescription(pc *webrtc.PeerConnection, sdp webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	b.mut.Lock()
	b.remoteSet = true
	pending := b.pendingRemote
	b.pendingRemote = nil
	b.mut.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			b.log.Error("bridge: failed to add queued ice candidate", mlog.Err(err))
		}
	}

	return nil
}

// AddICECandidate adds a remote candidate. Candidates received before the
// remote description are queued.
func (b *Bridge) AddICECandidate(c webrtc.ICECandidateInit) error {
	b.mut.Lock()
	if b.state == StateClosed {
		b.mut.Unlock()
		return ErrClosed
	}
	if b.pc == nil || !b.remoteSet {
		b.pendingRemote = append(b.pendingRemote, c)
		b.mut.Unlock()
		return nil
	}
	pc := b.pc
	b.mut.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}

	return nil
}

// ProcessSignal handles a signal coming from the remote peer.
func (b *Bridge) ProcessSignal(ctx context.Context, sig Signal) error {
	switch {
	case sig.Offer != "":
		var offer webrtc.SessionDescription
		if err := json.Unmarshal([]byte(sig.Offer), &offer); err != nil {
			return fmt.Errorf("%w: failed to unmarshal offer: %w", ErrInvalidSignal, err)
		}
		_, err := b.SetOffer(ctx, offer)
		return err
	case sig.Answer != "":
		var answer webrtc.SessionDescription
		if err := json.Unmarshal([]byte(sig.Answer), &answer); err != nil {
			return fmt.Errorf("%w: failed to unmarshal answer: %w", ErrInvalidSignal, err)
		}
		return b.SetAnswer(answer)
	case sig.Candidate != "":
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(sig.Candidate), &c); err != nil {
			return fmt.Errorf("%w: failed to unmarshal candidate: %w", ErrInvalidSignal, err)
		}
		return b.AddICECandidate(c)
	default:
		return fmt.Errorf("%w: empty signal", ErrInvalidSignal)
	}
}

func (b *Bridge) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}

	init := c.ToJSON()

	b.mut.Lock()
	if !b.descSent {
		b.pendingLocal = append(b.pendingLocal, init)
		b.mut.Unlock()
		return
	}
	b.mut.Unlock()

	b.sendCandidate(init)
}

// flushLocalCandidates sends the candidates gathered before the local
// description was delivered to the remote peer.
func (b *Bridge) flushLocalCandidates() {
	b.mut.Lock()
	b.descSent = true
	pending := b.pendingLocal
	b.pendingLocal = nil
	b.mut.Unlock()

	for _, c := range pending {
		b.sendCandidate(c)
	}
}

func (b *Bridge) sendCandidate(c webrtc.ICECandidateInit) {
	data, err := json.Marshal(c)
	if err != nil {
		b.log.Error("bridge: failed to marshal ice candidate", mlog.Err(err))
		return
	}
	if err := b.signalFn(b.remoteAddress, Signal{Candidate: string(data)}); err != nil {
		b.log.Error("bridge: failed to send ice candidate", mlog.Err(err))
	}
}

func (b *Bridge) handleICEStateChange(state webrtc.ICEConnectionState) {
	b.log.Debug("bridge: ice connection state changed",
		mlog.String("remoteAddress", b.remoteAddress), mlog.String("state", state.String()))

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		b.mut.Lock()
		b.iceConnected = true
		b.mut.Unlock()
	case webrtc.ICEConnectionStateFailed:
		go b.close(room.NewError(room.KindPeerNegotiation, ErrICEFailed))
		return
	default:
		b.mut.Lock()
		b.iceConnected = false
		b.mut.Unlock()
	}

	b.updateStatus()
}

func (b *Bridge) setDataChannel(dataCh *webrtc.DataChannel) {
	b.mut.Lock()
	if b.dc != nil {
		b.mut.Unlock()
		b.log.Warn("bridge: data channel already initialized, ignoring",
			mlog.String("label", dataCh.Label()), mlog.String("remoteAddress", b.remoteAddress))
		return
	}
	b.dc = dataCh
	b.mut.Unlock()

	dataCh.OnOpen(func() {
		b.mut.Lock()
		b.dcOpen = true
		b.mut.Unlock()
		b.updateStatus()
	})

	dataCh.OnClose(func() {
		b.mut.Lock()
		b.dcOpen = false
		b.mut.Unlock()
		b.updateStatus()
	})

	dataCh.OnMessage(func(msg webrtc.DataChannelMessage) {
		b.handleMessage(msg.Data)
	})
}

// updateStatus recomputes the data channel status and notifies only on
// transitions.
func (b *Bridge) updateStatus() {
	b.mut.Lock()
	active := b.iceConnected && b.dcOpen && b.state != StateClosed
	if active == b.active {
		b.mut.Unlock()
		return
	}
	b.active = active
	if active && b.state == StateNegotiating {
		b.setState(StateActive)
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	b.mut.Unlock()

	b.log.Debug("bridge: data channel status changed",
		mlog.String("remoteAddress", b.remoteAddress), mlog.Bool("active", active))

	if b.onStatusChanged != nil {
		b.onStatusChanged(active)
	}
}

func (b *Bridge) handleMessage(data []byte) {
	mt, payload, err := dc.DecodeMessage(data)
	if err != nil {
		b.log.Error("bridge: failed to decode data channel message", mlog.Err(err))
		return
	}

	if mt == dc.MessageTypePing {
		if !b.Send(dc.MessageTypePong, nil) {
			b.log.Warn("bridge: failed to send pong")
		}
		return
	}

	if b.onMessage != nil {
		b.onMessage(mt, payload)
	}
}

// SendDataChannelMessage sends raw data over the data channel. It returns
// false if the channel is not active or the send fails.
func (b *Bridge) SendDataChannelMessage(data []byte) bool {
	b.mut.Lock()
	dataCh := b.dc
	active := b.active
	b.mut.Unlock()

	if !active || dataCh == nil {
		return false
	}

	if err := dataCh.Send(data); err != nil {
		b.log.Error("bridge: failed to send data channel message", mlog.Err(err))
		return false
	}

	return true
}

// Send encodes and sends a message over the data channel.
func (b *Bridge) Send(mt dc.MessageType, payload any) bool {
	data, err := dc.EncodeMessage(mt, payload)
	if err != nil {
		b.log.Error("bridge: failed to encode data channel message", mlog.Err(err))
		return false
	}
	return b.SendDataChannelMessage(data)
}

// Stop closes the bridge. It's safe to call multiple times.
func (b *Bridge) Stop() {
	b.close(nil)
}

// close tears down the peer connection. A non-nil err marks a negotiation
// failure, which is always reported as an inactive status.
func (b *Bridge) close(err error) {
	b.mut.Lock()
	if b.state == StateClosed {
		b.mut.Unlock()
		return
	}
	wasActive := b.active
	b.active = false
	b.setState(StateClosed)
	if b.timer != nil {
		b.timer.Stop()
	}
	pc := b.pc
	b.mut.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			b.log.Error("bridge: failed to close peer connection", mlog.Err(err))
		}
	}

	if err != nil {
		b.log.Warn("bridge: closed with error", mlog.String("remoteAddress", b.remoteAddress), mlog.Err(err))
	}

	if (wasActive || err != nil) && b.onStatusChanged != nil {
		b.onStatusChanged(false)
	}

	if b.onClose != nil {
		b.onClose(err)
	}
}
