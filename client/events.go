// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattermost/roomctl/service/dc"
	"github.com/mattermost/roomctl/service/presence"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type EventHandler func(ctx any) error

type EventType string

const (
	// StateChangeEvent carries a room.StateChange.
	StateChangeEvent EventType = "StateChange"
	// DisconnectEvent carries the error that ended the session for good.
	DisconnectEvent EventType = "Disconnect"
	// JoinCodeChangeEvent carries a JoinCodeChange. Spot-TV only.
	JoinCodeChangeEvent EventType = "JoinCodeChange"
	// SpotStateEvent carries a SpotState. Spot-Remote only.
	SpotStateEvent EventType = "SpotState"
	// CommandEvent carries a Command. An error returned by the handler is
	// sent back to the sender.
	CommandEvent EventType = "Command"
	// MessageEvent carries a Message.
	MessageEvent EventType = "Message"
	// RemoteLeftEvent carries the jid of a Spot-Remote that left the room.
	// Spot-TV only.
	RemoteLeftEvent EventType = "RemoteLeft"
	// WirelessScreensharingEvent carries a WirelessScreensharingState.
	WirelessScreensharingEvent EventType = "WirelessScreensharing"
	// CommandBridgeEvent carries a CommandBridgeState.
	CommandBridgeEvent EventType = "CommandBridge"
)

func (e EventType) IsValid() bool {
	switch e {
	case StateChangeEvent, DisconnectEvent,
		JoinCodeChangeEvent,
		SpotStateEvent,
		CommandEvent, MessageEvent,
		RemoteLeftEvent,
		WirelessScreensharingEvent,
		CommandBridgeEvent:
		return true
	default:
		return false
	}
}

var ErrAlreadySubscribed = errors.New("already subscribed")

type JoinCodeChange struct {
	JoinCode string
}

// SpotState is the last known state of the Spot-TV.
type SpotState struct {
	SpotID string
	Status presence.Status
}

type Command struct {
	From string
	Type string
	Data json.RawMessage
	// ViaDataChannel tells whether the command came through a peer bridge
	// rather than the room.
	ViaDataChannel bool
}

type Message struct {
	From string
	Type string
	Data json.RawMessage
}

type WirelessScreensharingState struct {
	RemoteAddress string
	Active        bool
}

type CommandBridgeState struct {
	RemoteAddress string
	Active        bool
}

// proxyMessage is what goes in the data field of a MessageType received
// over a peer bridge but not handled by the client.
type proxyMessage struct {
	Type    dc.MessageType `json:"type"`
	Payload any            `json:"payload,omitempty"`
}

// On is used to subscribe to any events fired by the client.
// Note: there can only be one subscriber per event type.
func (c *Client) On(eventType EventType, h EventHandler) error {
	if !eventType.IsValid() {
		return fmt.Errorf("invalid event type %q", eventType)
	}

	c.handlersMut.Lock()
	defer c.handlersMut.Unlock()

	if _, ok := c.handlers[eventType]; ok {
		return ErrAlreadySubscribed
	}

	c.handlers[eventType] = h

	return nil
}

func (c *Client) emit(eventType EventType, ctx any) error {
	c.handlersMut.RLock()
	handler := c.handlers[eventType]
	c.handlersMut.RUnlock()
	if handler == nil {
		return nil
	}
	err := handler(ctx)
	if err != nil {
		c.log.Error("client: failed to handle event",
			mlog.Any("type", eventType), mlog.Err(err))
	}
	return err
}
