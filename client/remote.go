// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

var errSpotDisconnected = errors.New("spot left the room")

// SpotID returns the jid commands are sent to.
func (c *Client) SpotID() string {
	if c.spotIDFn != nil {
		return c.spotIDFn()
	}
	c.mut.RLock()
	defer c.mut.RUnlock()
	if c.spotState == nil {
		return ""
	}
	return c.spotState.SpotID
}

// SpotState returns the last known state of the Spot-TV.
func (c *Client) SpotState() (SpotState, bool) {
	c.mut.RLock()
	defer c.mut.RUnlock()
	if c.spotState == nil {
		return SpotState{}, false
	}
	return SpotState{SpotID: c.spotState.SpotID, Status: c.spotState.Status.Clone()}, true
}

func (c *Client) handlePresence(ctx any) error {
	update, ok := ctx.(presence.Update)
	if !ok {
		return fmt.Errorf("unexpected presence payload %T", ctx)
	}

	if c.IsSpot() {
		if update.IsUnavailable() {
			c.log.Debug("client: remote left", mlog.String("from", update.From))
			c.destroyBridge(update.From)
			return c.emit(RemoteLeftEvent, update.From)
		}
		return nil
	}

	if update.IsError() {
		// Room level errors end the session in the room connection.
		c.log.Debug("client: ignoring error presence", mlog.String("from", update.From))
		return nil
	}

	if update.IsUnavailable() {
		c.mut.Lock()
		isSpot := c.spotState != nil && c.spotState.SpotID == update.From
		if isSpot {
			c.spotState = nil
		}
		c.mut.Unlock()
		if !isSpot {
			return nil
		}
		c.log.Info("client: spot disconnected", mlog.String("from", update.From))
		c.stopCommandBridge()
		c.destroyBridges()
		return c.emit(DisconnectEvent, room.NewError(room.KindSpotDisconnected, errSpotDisconnected))
	}

	if isSpot, _ := update.Status.Bool(presence.KeyIsSpot); !isSpot {
		return nil
	}

	return c.updateSpotState(update.From, update.Status)
}

// updateSpotState replaces the known spot state. Updates older than the
// current one are dropped.
func (c *Client) updateSpotState(from string, status presence.Status) error {
	c.mut.Lock()
	if cur := c.spotState; cur != nil && cur.SpotID == from {
		curTS, err1 := strconv.ParseInt(cur.Status.Value(presence.KeyTimestamp), 10, 64)
		newTS, err2 := strconv.ParseInt(status.Value(presence.KeyTimestamp), 10, 64)
		if err1 == nil && err2 == nil && newTS < curTS {
			c.mut.Unlock()
			c.log.Debug("client: dropping stale spot state", mlog.String("from", from))
			return nil
		}
	}
	joined := c.spotState == nil || c.spotState.SpotID != from
	state := SpotState{SpotID: from, Status: status.Clone()}
	c.spotState = &state
	c.mut.Unlock()

	if joined {
		c.startCommandBridge(from)
	}

	return c.emit(SpotStateEvent, SpotState{SpotID: from, Status: status.Clone()})
}

func (c *Client) handleRequest(env envelope.Envelope) (any, error) {
	switch env.Kind {
	case envelope.KindCommand:
		c.log.Debug("client: received command", mlog.String("type", env.Type), mlog.String("from", env.From))
		return nil, c.emit(CommandEvent, Command{From: env.From, Type: env.Type, Data: env.Data})
	case envelope.KindMessage:
		c.log.Debug("client: received message", mlog.String("type", env.Type), mlog.String("from", env.From))
		switch env.MessageType() {
		case envelope.MessageRemoteControlUpdate, envelope.MessageJitsiMeetUpdate, envelope.MessageP2PSignaling:
			c.handleSignalMessage(env)
		}
		return nil, c.emit(MessageEvent, Message{From: env.From, Type: env.Type, Data: env.Data})
	default:
		return nil, fmt.Errorf("unexpected request kind %s", env.Kind)
	}
}

// SendCommand sends a command to the spot and waits for it to be
// acknowledged. An active peer bridge is preferred over the room.
func (c *Client) SendCommand(ctx context.Context, t envelope.CommandType, data any) (json.RawMessage, error) {
	spotID := c.SpotID()
	if spotID == "" {
		return nil, ErrNoSpot
	}

	if b := c.activeBridge(spotID); b != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal command data: %w", err)
		}
		sent, err := c.sendBridgeCommand(ctx, b, t, payload)
		if sent {
			return nil, err
		}
		c.log.Debug("client: falling back to room for command", mlog.String("type", string(t)))
	}

	return c.conn.SendCommand(ctx, spotID, t, data)
}

// SendMessage sends a message to the occupant `to` without waiting for an
// acknowledgement.
func (c *Client) SendMessage(ctx context.Context, to string, t envelope.MessageType, data any) error {
	return c.conn.SendMessage(ctx, to, t, data)
}

// GoToMeeting asks the spot to join a meeting. It fails with ErrInFlight
// if a previous request hasn't been acknowledged yet.
func (c *Client) GoToMeeting(ctx context.Context, data envelope.GoToMeetingData) error {
	if !c.goToMeetingInFlight.TryLock() {
		return ErrInFlight
	}
	defer c.goToMeetingInFlight.Unlock()

	if data.MeetingName == "" {
		return fmt.Errorf("invalid MeetingName value: should not be empty")
	}

	_, err := c.SendCommand(ctx, envelope.CommandGoToMeeting, data)
	return err
}

// HangUp asks the spot to leave the current meeting. Any wireless
// screensharing session is stopped.
func (c *Client) HangUp(ctx context.Context, skipFeedback bool) error {
	c.destroyScreenshareBridges()
	_, err := c.SendCommand(ctx, envelope.CommandHangUp, envelope.HangUpData{SkipFeedback: skipFeedback})
	return err
}

func (c *Client) SetAudioMute(ctx context.Context, mute bool) error {
	_, err := c.SendCommand(ctx, envelope.CommandSetAudioMute, envelope.MuteData{Mute: mute})
	return err
}

func (c *Client) SetVideoMute(ctx context.Context, mute bool) error {
	_, err := c.SendCommand(ctx, envelope.CommandSetVideoMute, envelope.MuteData{Mute: mute})
	return err
}

func (c *Client) SetScreensharing(ctx context.Context, on bool) error {
	_, err := c.SendCommand(ctx, envelope.CommandSetScreensharing, envelope.ScreensharingData{On: on})
	return err
}

func (c *Client) SubmitFeedback(ctx context.Context, feedback envelope.FeedbackData) error {
	_, err := c.SendCommand(ctx, envelope.CommandSubmitFeedback, feedback)
	return err
}
