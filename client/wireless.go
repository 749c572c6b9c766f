// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattermost/roomctl/service/bridge"
	"github.com/mattermost/roomctl/service/dc"
	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/random"
	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// SetWirelessScreensharing starts or stops a peer bridge with the spot.
// Starting is a no-op while a bridge already exists, negotiating or not.
// Stopping also asks the spot to stop screensharing.
func (c *Client) SetWirelessScreensharing(ctx context.Context, enable bool) error {
	if !enable {
		c.destroyScreenshareBridges()
		return c.SetScreensharing(ctx, false)
	}

	if c.IsSpot() {
		return ErrNotRemote
	}

	spotID := c.SpotID()
	if spotID == "" {
		return ErrNoSpot
	}

	c.mut.Lock()
	if len(c.bridges) > 0 {
		c.mut.Unlock()
		c.log.Warn("client: wireless screensharing already started")
		return nil
	}
	b, err := c.newBridge(spotID, envelope.MessageRemoteControlUpdate, bridgeScreenshare)
	if err != nil {
		c.mut.Unlock()
		return err
	}
	c.bridges[spotID] = b
	c.mut.Unlock()

	if err := b.CreateOffer(ctx); err != nil {
		c.destroyBridge(spotID)
		return fmt.Errorf("failed to start wireless screensharing: %w", err)
	}

	return nil
}

type bridgeKind int

const (
	// bridgeScreenshare is set up for wireless screensharing.
	bridgeScreenshare bridgeKind = iota
	// bridgeCommand only carries commands and status.
	bridgeCommand
)

// newBridge creates a bridge to remoteAddress whose signals are sent as
// messages of type msgType.
func (c *Client) newBridge(remoteAddress string, msgType envelope.MessageType, kind bridgeKind) (*bridge.Bridge, error) {
	signalFn := func(to string, sig bridge.Signal) error {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Room.CommandTimeout)
		defer cancel()
		return c.conn.SendMessage(ctx, to, msgType, sig)
	}

	var b *bridge.Bridge
	opts := []bridge.Option{
		bridge.WithOnStatusChanged(func(active bool) {
			if kind == bridgeCommand {
				c.onCommandBridgeStatus(remoteAddress, b, active)
				return
			}
			_ = c.emit(WirelessScreensharingEvent, WirelessScreensharingState{
				RemoteAddress: remoteAddress,
				Active:        active,
			})
		}),
		bridge.WithOnMessage(func(mt dc.MessageType, payload any) {
			c.handleBridgeMessage(remoteAddress, b, mt, payload)
		}),
		bridge.WithOnClose(func(err error) {
			if err != nil {
				c.log.Warn("client: peer bridge closed", mlog.String("remoteAddress", remoteAddress), mlog.Err(err))
			}
			c.removeBridge(kind, remoteAddress, b)
		}),
	}
	if c.metrics != nil {
		opts = append(opts, bridge.WithMetrics(c.metrics))
	}

	var err error
	b, err = bridge.New(c.cfg.Bridge, remoteAddress, signalFn, c.log, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	return b, nil
}

// handleSignalMessage feeds signals received through the room to the
// matching bridge. A spot creates a bridge when an offer comes in.
func (c *Client) handleSignalMessage(env envelope.Envelope) {
	var sig bridge.Signal
	if err := env.Decode(&sig); err != nil || sig == (bridge.Signal{}) {
		return
	}

	kind, offerType, replyType := bridgeScreenshare, envelope.MessageRemoteControlUpdate, envelope.MessageJitsiMeetUpdate
	if env.MessageType() == envelope.MessageP2PSignaling {
		kind, offerType, replyType = bridgeCommand, envelope.MessageP2PSignaling, envelope.MessageP2PSignaling
	}

	c.mut.Lock()
	bridges := c.bridgesLocked(kind)
	b := bridges[env.From]
	if b == nil {
		if !c.opts.JoinAsSpot || sig.Offer == "" || env.MessageType() != offerType {
			c.mut.Unlock()
			c.log.Debug("client: dropping signal with no bridge", mlog.String("from", env.From))
			return
		}
		var err error
		b, err = c.newBridge(env.From, replyType, kind)
		if err != nil {
			c.mut.Unlock()
			c.log.Error("client: failed to create bridge", mlog.Err(err))
			return
		}
		bridges[env.From] = b
	} else if kind == bridgeCommand && sig.Offer != "" && c.opts.JoinAsSpot {
		// The remote gave up on the previous bridge and offers a new one.
		stale := b
		var err error
		b, err = c.newBridge(env.From, replyType, kind)
		if err != nil {
			c.mut.Unlock()
			c.log.Error("client: failed to create bridge", mlog.Err(err))
			return
		}
		bridges[env.From] = b
		defer stale.Stop()
	}
	c.mut.Unlock()

	if err := b.ProcessSignal(context.Background(), sig); err != nil {
		c.log.Error("client: failed to process signal", mlog.String("from", env.From), mlog.Err(err))
	}
}

func (c *Client) handleBridgeMessage(remoteAddress string, b *bridge.Bridge, mt dc.MessageType, payload any) {
	switch mt {
	case dc.MessageTypeCommand:
		cmd, _ := payload.(dc.MessageCommand)
		if err := c.emit(CommandEvent, Command{
			From:           remoteAddress,
			Type:           cmd.Command,
			Data:           json.RawMessage(cmd.Data),
			ViaDataChannel: true,
		}); err != nil {
			c.log.Warn("client: command handler failed", mlog.String("type", cmd.Command), mlog.Err(err))
		}
		if !b.Send(dc.MessageTypeAck, dc.MessageAck{RequestID: cmd.RequestID}) {
			c.log.Warn("client: failed to ack command over bridge", mlog.String("id", cmd.RequestID))
		}
	case dc.MessageTypeAck:
		ack, _ := payload.(dc.MessageAck)
		c.resolveBridgeRequest(ack.RequestID)
	case dc.MessageTypePong:
	default:
		if status, ok := payload.(dc.MessageStatus); ok && !c.IsSpot() {
			state, err := presence.FromMap(status)
			if err != nil {
				c.log.Warn("client: invalid status over bridge", mlog.String("remoteAddress", remoteAddress), mlog.Err(err))
				return
			}
			if err := c.updateSpotState(remoteAddress, state); err != nil {
				c.log.Warn("client: spot state handler failed", mlog.Err(err))
			}
			return
		}
		data, err := json.Marshal(proxyMessage{Type: mt, Payload: payload})
		if err != nil {
			c.log.Error("client: failed to marshal bridge message", mlog.Err(err))
			return
		}
		_ = c.emit(MessageEvent, Message{
			From: remoteAddress,
			Type: string(envelope.MessageSpotRemoteProxy),
			Data: data,
		})
	}
}

// sendBridgeCommand sends a command over b and waits for its ack. It
// returns false if the command could not be sent at all.
func (c *Client) sendBridgeCommand(ctx context.Context, b *bridge.Bridge, t envelope.CommandType, data []byte) (bool, error) {
	id := random.NewID()
	ackCh := make(chan struct{})

	c.dcPendingMut.Lock()
	c.dcPending[id] = ackCh
	c.dcPendingMut.Unlock()
	defer func() {
		c.dcPendingMut.Lock()
		delete(c.dcPending, id)
		c.dcPendingMut.Unlock()
	}()

	if !b.Send(dc.MessageTypeCommand, dc.MessageCommand{RequestID: id, Command: string(t), Data: data}) {
		return false, nil
	}

	timer := time.NewTimer(c.cfg.Room.CommandTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
		return true, nil
	case <-timer.C:
		return true, room.NewError(room.KindCommandTimeout,
			fmt.Errorf("%w: %s over data channel", envelope.ErrCommandTimeout, t))
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (c *Client) resolveBridgeRequest(id string) {
	c.dcPendingMut.Lock()
	defer c.dcPendingMut.Unlock()
	if ch, ok := c.dcPending[id]; ok {
		delete(c.dcPending, id)
		close(ch)
	}
}

// bridgesLocked must be called with the lock held.
func (c *Client) bridgesLocked(kind bridgeKind) map[string]*bridge.Bridge {
	if kind == bridgeCommand {
		return c.cmdBridges
	}
	return c.bridges
}

// activeBridge returns an active bridge to remoteAddress, preferring the
// command bridge.
func (c *Client) activeBridge(remoteAddress string) *bridge.Bridge {
	c.mut.RLock()
	defer c.mut.RUnlock()
	if b := c.cmdBridges[remoteAddress]; b != nil && b.IsActive() {
		return b
	}
	if b := c.bridges[remoteAddress]; b != nil && b.IsActive() {
		return b
	}
	return nil
}

// activeBridgesLocked returns one active bridge per remote address. It must
// be called with the lock held.
func (c *Client) activeBridgesLocked() []*bridge.Bridge {
	var bridges []*bridge.Bridge
	for addr, b := range c.cmdBridges {
		if b.IsActive() {
			bridges = append(bridges, b)
		} else if sb := c.bridges[addr]; sb != nil && sb.IsActive() {
			bridges = append(bridges, sb)
		}
	}
	for addr, b := range c.bridges {
		if _, ok := c.cmdBridges[addr]; !ok && b.IsActive() {
			bridges = append(bridges, b)
		}
	}
	return bridges
}

// BridgeState returns the state of the bridge with
// remoteAddress, if any.
func (c *Client) BridgeState(remoteAddress string) (bridge.State, bool) {
	c.mut.RLock()
	b := c.bridges[remoteAddress]
	c.mut.RUnlock()
	if b == nil {
		return 0, false
	}
	return b.State(), true
}

func (c *Client) removeBridge(kind bridgeKind, remoteAddress string, b *bridge.Bridge) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if bridges := c.bridgesLocked(kind); bridges[remoteAddress] == b {
		delete(bridges, remoteAddress)
	}
}

// destroyBridge stops every bridge with remoteAddress.
func (c *Client) destroyBridge(remoteAddress string) {
	c.mut.Lock()
	b := c.bridges[remoteAddress]
	delete(c.bridges, remoteAddress)
	cb := c.cmdBridges[remoteAddress]
	delete(c.cmdBridges, remoteAddress)
	c.mut.Unlock()

	if b != nil {
		b.Stop()
	}
	if cb != nil {
		cb.Stop()
	}
}

func (c *Client) destroyScreenshareBridges() {
	c.mut.Lock()
	bridges := c.bridges
	c.bridges = make(map[string]*bridge.Bridge)
	c.mut.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
}

func (c *Client) destroyBridges() {
	c.mut.Lock()
	bridges := c.bridges
	c.bridges = make(map[string]*bridge.Bridge)
	cmdBridges := c.cmdBridges
	c.cmdBridges = make(map[string]*bridge.Bridge)
	c.mut.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
	for _, b := range cmdBridges {
		b.Stop()
	}
}
