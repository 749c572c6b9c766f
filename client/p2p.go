// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"sync"
	"time"

	"github.com/mattermost/roomctl/service/bridge"
	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// bridgeRetrier keeps a command bridge up with a single remote address.
// After a drop it waits and offers again, up to a fixed number of times in
// a row. Nothing is attempted while the room connection is down.
type bridgeRetrier struct {
	delay      time.Duration
	maxRetries int
	ensure     func(remoteAddress string) bool
	connected  func() bool
	log        mlog.LoggerIFace

	mut           sync.Mutex
	remoteAddress string
	retries       int
	timer         *time.Timer
}

func newBridgeRetrier(cfg P2PConfig, ensure func(string) bool, connected func() bool, log mlog.LoggerIFace) *bridgeRetrier {
	return &bridgeRetrier{
		delay:      cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		ensure:     ensure,
		connected:  connected,
		log:        log,
	}
}

// activate starts tracking remoteAddress, replacing any previous one.
func (r *bridgeRetrier) activate(remoteAddress string) {
	r.mut.Lock()
	r.cancelLocked()
	r.remoteAddress = remoteAddress
	r.retries = 0
	r.mut.Unlock()

	r.resume()
}

func (r *bridgeRetrier) deactivate() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.cancelLocked()
	r.remoteAddress = ""
}

// resume starts a bridge if none is active, typically once the room
// connection is back.
func (r *bridgeRetrier) resume() {
	r.mut.Lock()
	remoteAddress := r.remoteAddress
	r.mut.Unlock()

	if remoteAddress == "" || !r.connected() {
		return
	}
	r.ensure(remoteAddress)
}

func (r *bridgeRetrier) isActive(remoteAddress string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return remoteAddress != "" && r.remoteAddress == remoteAddress
}

func (r *bridgeRetrier) retryCount() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.retries
}

// cancelLocked must be called with the lock held.
func (r *bridgeRetrier) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
		r.log.Debug("client: cancelled command bridge retry", mlog.String("remoteAddress", r.remoteAddress))
	}
}

// onStatusChanged is called whenever the data channel of the tracked
// bridge becomes active or inactive.
func (r *bridgeRetrier) onStatusChanged(remoteAddress string, active bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if remoteAddress != r.remoteAddress {
		return
	}
	if active {
		r.retries = 0
		return
	}
	if !r.connected() {
		return
	}
	if r.retries >= r.maxRetries {
		r.log.Info("client: giving up on command bridge", mlog.String("remoteAddress", remoteAddress), mlog.Int("retries", r.retries))
		return
	}

	r.cancelLocked()
	r.log.Debug("client: will offer command bridge again",
		mlog.String("remoteAddress", remoteAddress), mlog.String("delay", r.delay.String()))

	var timer *time.Timer
	timer = time.AfterFunc(r.delay, func() {
		r.mut.Lock()
		if r.timer != timer {
			r.mut.Unlock()
			return
		}
		r.timer = nil
		r.mut.Unlock()

		if !r.connected() || !r.ensure(remoteAddress) {
			return
		}

		r.mut.Lock()
		if r.remoteAddress == remoteAddress {
			r.retries++
		}
		r.mut.Unlock()
	})
	r.timer = timer
}

// ensureCommandBridge offers a new command bridge to remoteAddress unless
// an active one exists. A stale inactive one is replaced. It returns whether
// a new offer was started.
func (c *Client) ensureCommandBridge(remoteAddress string) bool {
	if c.conn.State() != room.StateConnected {
		return false
	}

	c.mut.Lock()
	stale := c.cmdBridges[remoteAddress]
	if stale != nil && stale.IsActive() {
		c.mut.Unlock()
		return false
	}
	delete(c.cmdBridges, remoteAddress)
	b, err := c.newBridge(remoteAddress, envelope.MessageP2PSignaling, bridgeCommand)
	if err != nil {
		c.mut.Unlock()
		c.log.Error("client: failed to create command bridge", mlog.Err(err))
		return false
	}
	c.cmdBridges[remoteAddress] = b
	c.mut.Unlock()

	if stale != nil {
		stale.Stop()
	}

	c.log.Debug("client: offering command bridge", mlog.String("remoteAddress", remoteAddress))

	// The offer travels through the room, which can't be waited on from
	// the room event loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Bridge.NegotiationTimeout)
		defer cancel()
		if err := b.CreateOffer(ctx); err != nil {
			c.log.Warn("client: failed to offer command bridge", mlog.String("remoteAddress", remoteAddress), mlog.Err(err))
		}
	}()

	return true
}

func (c *Client) onCommandBridgeStatus(remoteAddress string, b *bridge.Bridge, active bool) {
	c.mut.RLock()
	current := c.cmdBridges[remoteAddress] == b
	c.mut.RUnlock()

	_ = c.emit(CommandBridgeEvent, CommandBridgeState{
		RemoteAddress: remoteAddress,
		Active:        active,
	})

	// Bridges being torn down on purpose are no longer in the map.
	if current && c.retrier != nil {
		c.retrier.onStatusChanged(remoteAddress, active)
	}
}

// startCommandBridge is called when a spot joins the room.
func (c *Client) startCommandBridge(spotID string) {
	if c.retrier == nil || c.IsSpot() || c.retrier.isActive(spotID) {
		return
	}
	c.log.Info("client: starting command bridge", mlog.String("spotId", spotID))
	c.retrier.activate(spotID)
}

func (c *Client) stopCommandBridge() {
	if c.retrier != nil {
		c.retrier.deactivate()
	}
}

// CommandBridgeActive tells whether commands to remoteAddress currently go
// through a command bridge.
func (c *Client) CommandBridgeActive(remoteAddress string) bool {
	c.mut.RLock()
	defer c.mut.RUnlock()
	b := c.cmdBridges[remoteAddress]
	return b != nil && b.IsActive()
}
