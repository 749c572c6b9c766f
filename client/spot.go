// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattermost/roomctl/service/dc"
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/random"
	"github.com/mattermost/roomctl/service/room"
	"github.com/mattermost/roomctl/service/store"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// JoinCode returns the code a Spot-Remote enters to join the room of this
// Spot-TV.
func (c *Client) JoinCode() string {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.status.Value(presence.KeyJoinCode)
}

// Status returns a copy of the status this Spot-TV advertises.
func (c *Client) Status() presence.Status {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.status.Clone()
}

func (c *Client) setSpotJoinCode(roomName, lock string) {
	c.mut.Lock()
	if err := c.status.SetString(string(presence.KeyJoinCode), random.JoinCode(roomName, lock)); err != nil {
		c.log.Warn("client: failed to set join code", mlog.Err(err))
	}
	status := c.stampLocked()
	c.mut.Unlock()

	// Not connected yet, this only sets the status sent on join.
	if err := c.conn.UpdateStatus(status); err != nil {
		c.log.Warn("client: failed to set status", mlog.Err(err))
	}
}

func (c *Client) saveSpotProfile(roomName, lock string) {
	code := random.JoinCode(roomName, lock)
	p := store.Profile{
		RoomName:  roomName,
		Lock:      lock,
		JoinCode:  code,
		SpotID:    c.conn.RoomFullJID(),
		UpdatedAt: time.Now().UnixMilli(),
	}
	c.saveProfile(RoleSpotTV, p)

	if c.store == nil {
		return
	}
	if err := store.ReserveJoinCode(c.store, code, p); errors.Is(err, store.ErrConflict) {
		c.log.Debug("client: join code already reserved", mlog.String("joinCode", code))
	} else if err != nil {
		c.log.Warn("client: failed to reserve join code", mlog.Err(err))
	}
}

// stampLocked refreshes the status timestamp and returns a copy of the
// status. It must be called with the lock held.
func (c *Client) stampLocked() presence.Status {
	if err := c.status.SetString(string(presence.KeyTimestamp), strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		c.log.Error("client: failed to stamp status", mlog.Err(err))
	}
	return c.status.Clone()
}

// UpdateStatus merges status into the local status and broadcasts it.
// Spot-TV only.
func (c *Client) UpdateStatus(status presence.Status) error {
	if !c.IsSpot() {
		return ErrNotSpot
	}

	c.mut.Lock()
	c.status.Merge(status)
	full := c.stampLocked()
	c.mut.Unlock()

	return c.broadcastStatus(full)
}

func (c *Client) broadcastStatus(status presence.Status) error {
	if err := c.conn.UpdateStatus(status); err != nil {
		return err
	}

	// Remotes with an active bridge get the status directly as well.
	c.mut.RLock()
	bridges := c.activeBridgesLocked()
	c.mut.RUnlock()
	for _, b := range bridges {
		if !b.Send(dc.MessageTypeStatus, dc.MessageStatus(status.Map())) {
			c.log.Debug("client: failed to send status over bridge", mlog.String("remoteAddress", b.RemoteAddress()))
		}
	}

	return nil
}

func (c *Client) notify(key presence.Key, value any) error {
	status := presence.NewStatus()
	if err := status.Set(string(key), value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return c.UpdateStatus(status)
}

func (c *Client) NotifyAudioMuteStatus(muted bool) error {
	return c.notify(presence.KeyAudioMuted, muted)
}

func (c *Client) NotifyVideoMuteStatus(muted bool) error {
	return c.notify(presence.KeyVideoMuted, muted)
}

func (c *Client) NotifyScreensharingStatus(screensharing bool) error {
	return c.notify(presence.KeyScreensharing, screensharing)
}

func (c *Client) NotifyViewStatus(view string) error {
	return c.notify(presence.KeyView, view)
}

func (c *Client) NotifyInMeetingStatus(inMeeting string) error {
	return c.notify(presence.KeyInMeeting, inMeeting)
}

func (c *Client) NotifyWiredScreensharingEnabled(enabled bool) error {
	return c.notify(presence.KeyWiredScreensharingEnabled, enabled)
}

// NotifyCalendarStatus advertises the upcoming events, which are encoded
// as JSON.
func (c *Client) NotifyCalendarStatus(events any) error {
	status := presence.NewStatus()
	if err := status.SetJSON(string(presence.KeyCalendar), events); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return c.UpdateStatus(status)
}

// RefreshJoinCode rotates the room lock, which changes the join code.
// Spot-TV only.
func (c *Client) RefreshJoinCode(ctx context.Context) (string, error) {
	if !c.IsSpot() {
		return "", ErrNotSpot
	}

	lock, err := random.NewLock()
	if err != nil {
		return "", fmt.Errorf("failed to generate lock: %w", err)
	}

	if err := c.conn.SetLock(ctx, lock); err != nil {
		return "", fmt.Errorf("failed to set lock: %w", err)
	}

	return c.JoinCode(), nil
}

func (c *Client) handleLockChange(ctx any) error {
	lc, ok := ctx.(room.LockChange)
	if !ok {
		return fmt.Errorf("unexpected lock change payload %T", ctx)
	}

	c.mut.Lock()
	roomName := c.roomName
	prevCode := c.status.Value(presence.KeyJoinCode)
	code := random.JoinCode(roomName, lc.Lock)
	if err := c.status.SetString(string(presence.KeyJoinCode), code); err != nil {
		c.log.Warn("client: failed to set join code", mlog.Err(err))
	}
	status := c.stampLocked()
	c.mut.Unlock()

	if err := c.broadcastStatus(status); err != nil {
		c.log.Warn("client: failed to broadcast join code", mlog.Err(err))
	}

	if c.store != nil && prevCode != "" && prevCode != code {
		if err := store.ReleaseJoinCode(c.store, prevCode); err != nil {
			c.log.Warn("client: failed to release join code", mlog.Err(err))
		}
	}
	c.saveSpotProfile(roomName, lc.Lock)

	c.log.Debug("client: join code changed", mlog.String("joinCode", code))

	return c.emit(JoinCodeChangeEvent, JoinCodeChange{JoinCode: code})
}

func (c *Client) startJoinCodeRefresh() {
	c.mut.Lock()
	defer c.mut.Unlock()

	rate := c.opts.JoinCodeRefreshRate
	if rate <= 0 || c.refreshCancel != nil {
		return
	}

	// Cancelling the loop context also aborts a refresh in flight.
	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.refreshCancel = loopCancel
	c.refreshWg.Add(1)
	go func() {
		defer c.refreshWg.Done()
		ticker := time.NewTicker(rate)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(loopCtx, c.cfg.Room.CommandTimeout)
				if _, err := c.RefreshJoinCode(ctx); err != nil && loopCtx.Err() == nil {
					c.log.Warn("client: failed to refresh join code", mlog.Err(err))
				}
				cancel()
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// cancelJoinCodeRefresh stops the refresh loop without waiting for it.
func (c *Client) cancelJoinCodeRefresh() {
	c.mut.Lock()
	cancel := c.refreshCancel
	c.refreshCancel = nil
	c.mut.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Client) stopJoinCodeRefresh() {
	c.cancelJoinCodeRefresh()
	c.refreshWg.Wait()
}
