// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattermost/roomctl/service/xmpp"
)

var (
	ErrNotEnvelope      = errors.New("stanza is not a command or message")
	ErrMalformedPayload = errors.New("malformed payload")
)

type Kind int

const (
	KindCommand Kind = iota + 1
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

var emptyPayload = json.RawMessage("{}")

// Envelope is a command or message exchanged between two room occupants.
type Envelope struct {
	ID   string
	From string
	To   string
	Kind Kind
	Type string
	Data json.RawMessage
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	data := e.Data
	if len(data) == 0 {
		data = emptyPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s %q payload: %w", e.Kind, e.Type, err)
	}
	return nil
}

func (e Envelope) CommandType() CommandType {
	return CommandType(e.Type)
}

func (e Envelope) MessageType() MessageType {
	return MessageType(e.Type)
}

// NewCommand builds the iq carrying a command addressed to `to`.
func NewCommand(id, to string, t CommandType, data any) (*xmpp.Element, error) {
	return newRequest(id, to, NSCommand, "command", string(t), data)
}

// NewMessage builds the iq carrying a message addressed to `to`.
func NewMessage(id, to string, t MessageType, data any) (*xmpp.Element, error) {
	return newRequest(id, to, NSMessage, "message", string(t), data)
}

func newRequest(id, to, ns, local, typ string, data any) (*xmpp.Element, error) {
	if to == "" {
		return nil, fmt.Errorf("invalid recipient: should not be empty")
	}
	if typ == "" {
		return nil, fmt.Errorf("invalid type: should not be empty")
	}

	payload, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}

	iq := xmpp.NewIQ(id, to, xmpp.IQSet)
	iq.AddChild(xmpp.NewElement(ns, local)).
		SetAttr("type", typ).
		SetText(string(payload))

	return iq, nil
}

func marshalPayload(data any) ([]byte, error) {
	if data == nil {
		return emptyPayload, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw payload")
		}
		return raw, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return payload, nil
}

// Parse extracts the envelope carried by an inbound iq. A malformed JSON
// payload is replaced by an empty object and reported through
// ErrMalformedPayload alongside a usable envelope.
func Parse(iq *xmpp.Element) (Envelope, error) {
	if iq == nil || iq.Name.Local != "iq" || iq.Type() != xmpp.IQSet {
		return Envelope{}, ErrNotEnvelope
	}

	env := Envelope{
		ID:   iq.ID(),
		From: iq.From(),
		To:   iq.To(),
	}

	var payload *xmpp.Element
	if payload = iq.ChildNS(NSCommand, "command"); payload != nil {
		env.Kind = KindCommand
	} else if payload = iq.ChildNS(NSMessage, "message"); payload != nil {
		env.Kind = KindMessage
	} else {
		return Envelope{}, ErrNotEnvelope
	}
	env.Type = payload.Attr("type")

	if payload.Text == "" {
		env.Data = emptyPayload
		return env, nil
	}
	if !json.Valid([]byte(payload.Text)) {
		env.Data = emptyPayload
		return env, fmt.Errorf("%w: %s %q from %s", ErrMalformedPayload, env.Kind, env.Type, env.From)
	}
	env.Data = json.RawMessage(payload.Text)

	return env, nil
}

// NewAck builds the result iq acknowledging req. data is optional.
func NewAck(req Envelope, data any) (*xmpp.Element, error) {
	ack := xmpp.NewIQ(req.ID, req.From, xmpp.IQResult)
	if data == nil {
		return ack, nil
	}
	payload, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	ack.AddChild(xmpp.NewElement("", "data")).SetText(string(payload))
	return ack, nil
}

// NewErrorAck builds the error iq rejecting req.
func NewErrorAck(req Envelope, condition string) *xmpp.Element {
	ack := xmpp.NewIQ(req.ID, req.From, xmpp.IQError)
	ack.AddChild(xmpp.NewErrorElement("cancel", condition))
	return ack
}

// ParseAck returns the payload carried by an ack, if any. Error acks are
// returned as *xmpp.StanzaError.
func ParseAck(iq *xmpp.Element) (json.RawMessage, error) {
	switch iq.Type() {
	case xmpp.IQResult:
		dataEl := iq.Child("data")
		if dataEl == nil || dataEl.Text == "" {
			return nil, nil
		}
		if !json.Valid([]byte(dataEl.Text)) {
			return nil, fmt.Errorf("%w: ack %s", ErrMalformedPayload, iq.ID())
		}
		return json.RawMessage(dataEl.Text), nil
	case xmpp.IQError:
		if se := xmpp.ParseStanzaError(iq); se != nil {
			return nil, se
		}
		return nil, fmt.Errorf("request %s failed", iq.ID())
	default:
		return nil, fmt.Errorf("unexpected ack type %q", iq.Type())
	}
}
