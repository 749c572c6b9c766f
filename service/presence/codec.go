// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package presence

import (
	"github.com/mattermost/roomctl/service/xmpp"
)

// Update is a decoded presence stanza. Status always holds the complete
// status of the sender as of this presence.
type Update struct {
	From   string
	Type   string
	Status Status
	Err    *xmpp.StanzaError
}

func (u Update) IsUnavailable() bool {
	return u.Type == xmpp.PresenceUnavailable
}

func (u Update) IsError() bool {
	return u.Type == xmpp.PresenceError
}

// Children that are part of the presence protocol itself and never carry
// status.
var reservedElements = map[string]bool{
	"error":    true,
	"show":     true,
	"status":   true,
	"priority": true,
}

// Encode returns a presence stanza addressed to `to` carrying status. Keys
// are written in lexical order.
func Encode(to string, status Status) *xmpp.Element {
	p := xmpp.NewPresence(to, "")
	AppendTo(p, status)
	return p
}

// AppendTo adds status entries as children of presence.
func AppendTo(p *xmpp.Element, status Status) {
	for _, k := range status.keys() {
		v, _ := status.Get(k)
		p.AddChild(xmpp.NewElement("", k).SetText(v))
	}
}

// Decode flattens the children of presence into a status. Elements in a
// foreign namespace or with nested children are skipped.
func Decode(p *xmpp.Element) Update {
	upd := Update{Status: NewStatus()}
	if p == nil || p.Name.Local != "presence" {
		return upd
	}

	upd.From = p.From()
	upd.Type = p.Type()
	if upd.IsError() {
		upd.Err = xmpp.ParseStanzaError(p)
	}

	for _, c := range p.Children {
		if reservedElements[c.Name.Local] || len(c.Children) > 0 {
			continue
		}
		if c.Name.Space != "" && c.Name.Space != p.Name.Space {
			continue
		}
		upd.Status.set(c.Name.Local, c.Text)
	}

	return upd
}

// DecodeRaw is like Decode but starts from the raw stanza. Malformed input
// yields an empty status.
func DecodeRaw(data []byte) Update {
	p, err := xmpp.Parse(data)
	if err != nil {
		return Update{Status: NewStatus()}
	}
	return Decode(p)
}
