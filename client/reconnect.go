// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"fmt"

	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

func (c *Client) handleStateChange(ctx any) error {
	change, ok := ctx.(room.StateChange)
	if !ok {
		return fmt.Errorf("unexpected state change payload %T", ctx)
	}

	if change.To == room.StateConnected && c.retrier != nil {
		c.retrier.resume()
	}

	if change.From == room.StateConnected {
		switch change.To {
		case room.StateReconnecting:
			c.onSessionLost()
			c.supervisor.HandleDisconnect(change.Err)
		case room.StateUnrecoverable:
			c.onSessionLost()
			c.clearConnectResult()
			if room.KindOf(change.Err) == room.KindNotAuthorized {
				c.forgetProfile(c.role())
			}
			defer func() {
				_ = c.emit(DisconnectEvent, change.Err)
			}()
		}
	}

	return c.emit(StateChangeEvent, change)
}

// onSessionLost stops whatever depends on the session. It runs on the
// connection read loop so it doesn't wait for the refresh loop to exit.
func (c *Client) onSessionLost() {
	c.cancelJoinCodeRefresh()
	c.destroyBridges()
}

func (c *Client) clearConnectResult() {
	c.mut.Lock()
	c.connectRes = nil
	c.mut.Unlock()
}

func (c *Client) role() Role {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.opts.role()
}

// reconnect joins the room again with the latest known credentials. A
// remote prefers the join code last advertised by the spot since the lock
// may have rotated.
func (c *Client) reconnect(ctx context.Context) error {
	c.mut.RLock()
	opts := c.opts
	roomName := c.roomName
	var spotCode string
	if c.spotState != nil {
		spotCode = c.spotState.Status.Value(presence.KeyJoinCode)
	}
	c.mut.RUnlock()

	joinOpts := room.JoinOptions{
		RoomName:   roomName,
		Lock:       c.conn.Lock(),
		JoinAsSpot: opts.JoinAsSpot,
		Nick:       opts.Nick,
		Retry:      true,
	}

	if !opts.JoinAsSpot && spotCode != "" {
		if name, lock, err := c.ExchangeCode(spotCode); err == nil {
			joinOpts.RoomName = name
			joinOpts.Lock = lock
		}
	}

	c.log.Info("client: reconnecting", mlog.String("room", joinOpts.RoomName))

	jid, err := c.conn.Connect(ctx, joinOpts)
	if err != nil {
		return err
	}

	res := &connectResult{done: make(chan struct{})}
	res.resolve(jid, nil)

	c.mut.Lock()
	c.connectRes = res
	c.roomName = joinOpts.RoomName
	c.mut.Unlock()

	c.onConnected(opts.JoinAsSpot, joinOpts)

	return nil
}

func (c *Client) handleReconnected() {
	c.log.Info("client: reconnected", mlog.String("jid", c.conn.RoomFullJID()))
}

func (c *Client) handleGiveUp(err error) {
	c.log.Warn("client: giving up reconnecting", mlog.Err(err))

	c.conn.GiveUp(err)
	c.clearConnectResult()
	if room.KindOf(err) == room.KindNotAuthorized {
		c.forgetProfile(c.role())
	}

	_ = c.emit(DisconnectEvent, err)
}
