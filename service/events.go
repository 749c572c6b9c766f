// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"fmt"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/service/room"
	"github.com/mattermost/roomctl/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	EventTypeSnapshot = "snapshot"
	EventTypePong     = "pong"
)

// Event is what gets pushed to the connected /events clients. Type is
// either one of the client event types or a service one.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type StateChangeData struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

type DisconnectData struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type JoinCodeData struct {
	JoinCode string `json:"joinCode"`
}

type SpotStateData struct {
	SpotID string            `json:"spotId"`
	Status map[string]string `json:"status"`
}

type CommandData struct {
	From           string          `json:"from"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	ViaDataChannel bool            `json:"viaDataChannel"`
}

type MessageData struct {
	From string          `json:"from"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RemoteLeftData struct {
	JID string `json:"jid"`
}

type ScreensharingData struct {
	RemoteAddress string `json:"remoteAddress"`
	Active        bool   `json:"active"`
}

type CommandBridgeData struct {
	RemoteAddress string `json:"remoteAddress"`
	Active        bool   `json:"active"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func eventData(eventType client.EventType, ctx any) (any, error) {
	switch eventType {
	case client.StateChangeEvent:
		sc, ok := ctx.(room.StateChange)
		if !ok {
			break
		}
		return StateChangeData{From: sc.From.String(), To: sc.To.String(), Error: errString(sc.Err)}, nil
	case client.DisconnectEvent:
		err, _ := ctx.(error)
		return DisconnectData{Error: errString(err), Kind: room.KindOf(err).String()}, nil
	case client.JoinCodeChangeEvent:
		jc, ok := ctx.(client.JoinCodeChange)
		if !ok {
			break
		}
		return JoinCodeData{JoinCode: jc.JoinCode}, nil
	case client.SpotStateEvent:
		st, ok := ctx.(client.SpotState)
		if !ok {
			break
		}
		return SpotStateData{SpotID: st.SpotID, Status: st.Status.Map()}, nil
	case client.CommandEvent:
		cmd, ok := ctx.(client.Command)
		if !ok {
			break
		}
		return CommandData{From: cmd.From, Type: cmd.Type, Data: cmd.Data, ViaDataChannel: cmd.ViaDataChannel}, nil
	case client.MessageEvent:
		msg, ok := ctx.(client.Message)
		if !ok {
			break
		}
		return MessageData{From: msg.From, Type: msg.Type, Data: msg.Data}, nil
	case client.RemoteLeftEvent:
		jid, ok := ctx.(string)
		if !ok {
			break
		}
		return RemoteLeftData{JID: jid}, nil
	case client.WirelessScreensharingEvent:
		st, ok := ctx.(client.WirelessScreensharingState)
		if !ok {
			break
		}
		return ScreensharingData{RemoteAddress: st.RemoteAddress, Active: st.Active}, nil
	case client.CommandBridgeEvent:
		st, ok := ctx.(client.CommandBridgeState)
		if !ok {
			break
		}
		return CommandBridgeData{RemoteAddress: st.RemoteAddress, Active: st.Active}, nil
	}
	return nil, fmt.Errorf("unexpected data for event %s: %T", eventType, ctx)
}

func (s *Service) subscribe() error {
	eventTypes := []client.EventType{
		client.StateChangeEvent,
		client.DisconnectEvent,
		client.JoinCodeChangeEvent,
		client.SpotStateEvent,
		client.MessageEvent,
		client.RemoteLeftEvent,
		client.WirelessScreensharingEvent,
		client.CommandBridgeEvent,
	}
	for _, eventType := range eventTypes {
		if err := s.client.On(eventType, func(ctx any) error {
			s.publish(eventType, ctx)
			return nil
		}); err != nil {
			return err
		}
	}

	return s.client.On(client.CommandEvent, func(ctx any) error {
		s.publish(client.CommandEvent, ctx)
		cmd, ok := ctx.(client.Command)
		if !ok {
			return fmt.Errorf("unexpected command type %T", ctx)
		}
		return s.applyCommand(cmd)
	})
}

func (s *Service) publish(eventType client.EventType, ctx any) {
	data, err := eventData(eventType, ctx)
	if err != nil {
		s.log.Error("events: failed to convert event", mlog.Err(err))
		return
	}

	s.log.Info("events: "+string(eventType), mlog.Any("data", data))

	s.broadcast(Event{Type: string(eventType), Data: data})
}

func (s *Service) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("events: failed to marshal event", mlog.Err(err))
		return
	}
	s.wsServer.Broadcast(msg)
}

func (s *Service) sendEvent(connID string, ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("events: failed to marshal event", mlog.Err(err))
		return
	}
	if err := s.wsServer.Send(connID, msg); err != nil {
		s.log.Warn("events: failed to send event", mlog.String("connID", connID), mlog.Err(err))
	}
}

func (s *Service) eventsReceiver() {
	defer s.wg.Done()

	for msg := range s.wsServer.ReceiveCh() {
		switch msg.Type {
		case ws.OpenMessage:
			s.log.Debug("events: connection opened", mlog.String("connID", msg.ConnID))
			s.sendEvent(msg.ConnID, Event{Type: EventTypeSnapshot, Data: s.status()})
		case ws.CloseMessage:
			s.log.Debug("events: connection closed", mlog.String("connID", msg.ConnID))
		case ws.TextMessage:
			if string(msg.Data) == "ping" {
				s.sendEvent(msg.ConnID, Event{Type: EventTypePong})
				continue
			}
			s.log.Debug("events: unexpected message", mlog.String("connID", msg.ConnID), mlog.String("data", string(msg.Data)))
		default:
			s.log.Debug("events: unexpected message type", mlog.String("connID", msg.ConnID), mlog.Int("type", int(msg.Type)))
		}
	}
}
