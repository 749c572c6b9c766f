// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"errors"
	"fmt"

	"github.com/mattermost/roomctl/service/envelope"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type EventHandler func(ctx any) error

// RequestHandler processes an inbound command or message. The returned
// value, if any, is sent back as the ack payload.
type RequestHandler func(env envelope.Envelope) (any, error)

type EventType string

const (
	// StateChangeEvent carries a StateChange.
	StateChangeEvent EventType = "StateChange"
	// PresenceEvent carries a presence.Update from another occupant.
	PresenceEvent EventType = "Presence"
	// LockChangeEvent carries a LockChange.
	LockChangeEvent EventType = "LockChange"
	// DisconnectEvent carries the *Error that ended the connection.
	DisconnectEvent EventType = "Disconnect"
)

func (e EventType) IsValid() bool {
	switch e {
	case StateChangeEvent, PresenceEvent, LockChangeEvent, DisconnectEvent:
		return true
	default:
		return false
	}
}

var ErrAlreadySubscribed = errors.New("already subscribed")

type StateChange struct {
	From State
	To   State
	Err  error
}

type LockChange struct {
	Lock string
}

// On subscribes h to events of the given type.
// Note: there can only be one subscriber per event type.
func (c *Conn) On(eventType EventType, h EventHandler) error {
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

// OnRequest sets the handler for inbound commands and messages. Requests
// received while no handler is set are acked with no payload.
func (c *Conn) OnRequest(h RequestHandler) error {
	c.handlersMut.Lock()
	defer c.handlersMut.Unlock()

	if c.requestHandler != nil {
		return ErrAlreadySubscribed
	}

	c.requestHandler = h

	return nil
}

func (c *Conn) emit(eventType EventType, ctx any) {
	c.handlersMut.RLock()
	handler := c.handlers[eventType]
	c.handlersMut.RUnlock()
	if handler != nil {
		if err := handler(ctx); err != nil {
			c.log.Error("room: failed to handle event",
				mlog.Any("type", eventType), mlog.Err(err))
		}
	}
}

func (c *Conn) emitStateChange(from, to State, err error) {
	if c.metrics != nil {
		c.metrics.IncConnState(to.String())
	}
	c.log.Debug("room: state change", mlog.String("from", from.String()), mlog.String("to", to.String()))
	c.emit(StateChangeEvent, StateChange{From: from, To: to, Err: err})
}
