// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mattermost/roomctl/service/random"
	"github.com/mattermost/roomctl/service/xmpp"
)

const memoryReceiveChSize = 256

var errMemorySessionClosed = errors.New("session is closed")

// MemoryHub is an in-process chat server implementing the subset of
// multi-user chat needed by Conn. It's meant to be used in tests and
// single-host setups.
type MemoryHub struct {
	domain string

	mut      sync.Mutex
	rooms    map[string]*memoryRoom
	sessions map[string]*memorySession
	dials    int
	dialErr  error
	holdCfg  bool
}

type memoryRoom struct {
	jid       string
	secret    string
	owner     string
	occupants map[string]*memoryOccupant
}

type memoryOccupant struct {
	jid      string
	sess     *memorySession
	presence *xmpp.Element
}

type memorySession struct {
	hub       *MemoryHub
	jid       string
	receiveCh chan *xmpp.Element
	closed    bool
	err       error
}

func NewMemoryHub(domain string) *MemoryHub {
	return &MemoryHub{
		domain:   domain,
		rooms:    make(map[string]*memoryRoom),
		sessions: make(map[string]*memorySession),
	}
}

// Dial implements Transport.
func (h *MemoryHub) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mut.Lock()
	defer h.mut.Unlock()

	h.dials++
	if h.dialErr != nil {
		return nil, h.dialErr
	}

	s := &memorySession{
		hub:       h,
		jid:       xmpp.NewJID(random.NewShortID(8), h.domain, random.NewShortID(8)),
		receiveCh: make(chan *xmpp.Element, memoryReceiveChSize),
	}
	h.sessions[s.jid] = s

	return s, nil
}

// Dials returns the number of Dial calls so far.
func (h *MemoryHub) Dials() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.dials
}

// SetDialError makes subsequent dials fail with err. A nil err restores
// normal behavior.
func (h *MemoryHub) SetDialError(err error) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.dialErr = err
}

// HoldRoomConfig makes the hub apply room configuration changes without
// ever replying to them.
func (h *MemoryHub) HoldRoomConfig(hold bool) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.holdCfg = hold
}

// Kill terminates the session bound to jid with err, as if the network
// connection was lost.
func (h *MemoryHub) Kill(jid string, err error) bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	s, ok := h.sessions[jid]
	if !ok {
		return false
	}
	h.closeSession(s, err)
	return true
}

// Sessions returns the jids of the open sessions.
func (h *MemoryHub) Sessions() []string {
	h.mut.Lock()
	defer h.mut.Unlock()
	jids := make([]string, 0, len(h.sessions))
	for jid := range h.sessions {
		jids = append(jids, jid)
	}
	sort.Strings(jids)
	return jids
}

// Occupants returns the occupant jids of a room.
func (h *MemoryHub) Occupants(roomJID string) []string {
	h.mut.Lock()
	defer h.mut.Unlock()
	r, ok := h.rooms[roomJID]
	if !ok {
		return nil
	}
	jids := make([]string, 0, len(r.occupants))
	for _, o := range r.occupants {
		jids = append(jids, o.jid)
	}
	sort.Strings(jids)
	return jids
}

// RoomSecret returns the current password of a room.
func (h *MemoryHub) RoomSecret(roomJID string) (string, bool) {
	h.mut.Lock()
	defer h.mut.Unlock()
	r, ok := h.rooms[roomJID]
	if !ok {
		return "", false
	}
	return r.secret, true
}

func (h *MemoryHub) closeSession(s *memorySession, err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	for _, r := range h.rooms {
		for _, o := range r.occupants {
			if o.sess == s {
				h.leave(r, o)
			}
		}
	}
	close(s.receiveCh)
	delete(h.sessions, s.jid)
}

// deliver serializes el and hands the parsed copy to s, so that
// receivers only ever see what survives the wire.
func (h *MemoryHub) deliver(s *memorySession, el *xmpp.Element) {
	if s.closed {
		return
	}
	el.SetAttr("to", s.jid)
	wire, err := xmpp.Parse(el.Bytes())
	if err != nil {
		h.closeSession(s, fmt.Errorf("failed to deliver stanza: %w", err))
		return
	}
	select {
	case s.receiveCh <- wire:
	default:
	}
}

// RoomError sends an error presence from the room itself to the given
// occupant, as a server does when it drops a participant. It returns false
// if the occupant isn't in the room.
func (h *MemoryHub) RoomError(occupantJID, condition string) bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	roomJID := xmpp.Bare(occupantJID)
	r, ok := h.rooms[roomJID]
	if !ok {
		return false
	}
	o, ok := r.occupants[occupantJID]
	if !ok {
		return false
	}
	p := xmpp.NewPresence("", xmpp.PresenceError)
	p.SetAttr("from", roomJID)
	p.AddChild(xmpp.NewErrorElement("cancel", condition))
	h.deliver(o.sess, p)
	return true
}

func (h *MemoryHub) route(s *memorySession, el *xmpp.Element) {
	switch el.Name.Local {
	case "presence":
		h.routePresence(s, el)
	case "iq":
		h.routeIQ(s, el)
	}
}

func (h *MemoryHub) occupantOf(r *memoryRoom, s *memorySession) *memoryOccupant {
	for _, o := range r.occupants {
		if o.sess == s {
			return o
		}
	}
	return nil
}

func (h *MemoryHub) routePresence(s *memorySession, el *xmpp.Element) {
	to := el.To()
	roomJID := xmpp.Bare(to)
	if xmpp.Resource(to) == "" {
		return
	}

	r := h.rooms[roomJID]
	if r != nil {
		if o := h.occupantOf(r, s); o != nil {
			if el.Type() == xmpp.PresenceUnavailable {
				h.leave(r, o)
				return
			}
			o.presence = el
			h.broadcast(r, o)
			return
		}
	}

	if el.Type() == xmpp.PresenceUnavailable {
		return
	}

	if r != nil {
		password, _ := mucPassword(el)
		if r.secret != "" && password != r.secret {
			h.deliver(s, presenceError(to, xmpp.ConditionNotAuthorized))
			return
		}
		if _, ok := r.occupants[to]; ok {
			h.deliver(s, presenceError(to, "conflict"))
			return
		}
	}

	created := false
	if r == nil {
		r = &memoryRoom{
			jid:       roomJID,
			owner:     to,
			occupants: make(map[string]*memoryOccupant),
		}
		h.rooms[roomJID] = r
		created = true
	}

	o := &memoryOccupant{jid: to, sess: s, presence: el}
	for _, other := range r.occupants {
		h.deliver(s, occupantPresence(other, false, false))
	}
	r.occupants[to] = o
	h.broadcast(r, o)
	h.deliver(s, occupantPresence(o, true, created))
}

// broadcast sends the presence of o to every other occupant.
func (h *MemoryHub) broadcast(r *memoryRoom, o *memoryOccupant) {
	for _, other := range r.occupants {
		if other != o {
			h.deliver(other.sess, occupantPresence(o, false, false))
		}
	}
}

func (h *MemoryHub) leave(r *memoryRoom, o *memoryOccupant) {
	delete(r.occupants, o.jid)

	unavailable := xmpp.NewPresence("", xmpp.PresenceUnavailable)
	unavailable.SetAttr("from", o.jid)
	h.deliver(o.sess, withStatusCodes(copyElement(unavailable), statusSelfPresence))
	for _, other := range r.occupants {
		h.deliver(other.sess, copyElement(unavailable))
	}

	if len(r.occupants) == 0 {
		delete(h.rooms, r.jid)
	}
}

func (h *MemoryHub) routeIQ(s *memorySession, el *xmpp.Element) {
	to := el.To()
	roomJID := xmpp.Bare(to)
	r := h.rooms[roomJID]
	if r == nil {
		h.replyIQError(s, el, xmpp.ConditionItemNotFound)
		return
	}

	sender := h.occupantOf(r, s)
	if sender == nil {
		h.replyIQError(s, el, xmpp.ConditionNotAuthorized)
		return
	}

	if to == roomJID {
		fields, ok := parseRoomConfig(el)
		if !ok || el.Type() != xmpp.IQSet {
			h.replyIQError(s, el, xmpp.ConditionServiceUnavail)
			return
		}
		if sender.jid != r.owner {
			h.replyIQError(s, el, xmpp.ConditionForbidden)
			return
		}
		if fields[fieldPasswordProtect] == "0" {
			r.secret = ""
		} else {
			r.secret = fields[fieldRoomSecret]
		}
		if h.holdCfg {
			return
		}
		reply := xmpp.NewIQ(el.ID(), "", xmpp.IQResult)
		reply.SetAttr("from", roomJID)
		h.deliver(s, reply)
		return
	}

	target, ok := r.occupants[to]
	if !ok {
		if el.Type() == xmpp.IQSet || el.Type() == xmpp.IQGet {
			h.replyIQError(s, el, xmpp.ConditionItemNotFound)
		}
		return
	}

	el.SetAttr("from", sender.jid)
	h.deliver(target.sess, el)
}

func (h *MemoryHub) replyIQError(s *memorySession, el *xmpp.Element, condition string) {
	reply := xmpp.NewIQ(el.ID(), "", xmpp.IQError)
	reply.SetAttr("from", el.To())
	reply.AddChild(xmpp.NewErrorElement("cancel", condition))
	h.deliver(s, reply)
}

func presenceError(from, condition string) *xmpp.Element {
	p := xmpp.NewPresence("", xmpp.PresenceError)
	p.SetAttr("from", from)
	p.AddChild(xmpp.NewErrorElement("auth", condition))
	return p
}

// occupantPresence returns the presence of o as seen by other occupants.
func occupantPresence(o *memoryOccupant, self, created bool) *xmpp.Element {
	p := xmpp.NewPresence("", o.presence.Type())
	p.SetAttr("from", o.jid)
	for _, c := range o.presence.Children {
		if c.Name.Space == xmpp.NSMUC {
			continue
		}
		p.AddChild(copyElement(c))
	}
	if !self {
		return withStatusCodes(p)
	}
	if created {
		return withStatusCodes(p, statusSelfPresence, statusRoomCreated)
	}
	return withStatusCodes(p, statusSelfPresence)
}

func withStatusCodes(p *xmpp.Element, codes ...string) *xmpp.Element {
	x := p.AddChild(xmpp.NewElement(xmpp.NSMUCUser, "x"))
	x.AddChild(xmpp.NewElement("", "item")).
		SetAttr("affiliation", "member").
		SetAttr("role", "participant")
	for _, code := range codes {
		x.AddChild(xmpp.NewElement("", "status")).SetAttr("code", code)
	}
	return p
}

func copyElement(el *xmpp.Element) *xmpp.Element {
	c := &xmpp.Element{
		Name: el.Name,
		Text: el.Text,
	}
	c.Attrs = append(c.Attrs, el.Attrs...)
	for _, child := range el.Children {
		c.Children = append(c.Children, copyElement(child))
	}
	return c
}

func (s *memorySession) JID() string {
	return s.jid
}

func (s *memorySession) Send(stanza *xmpp.Element) error {
	s.hub.mut.Lock()
	defer s.hub.mut.Unlock()
	if s.closed {
		return errMemorySessionClosed
	}
	// A real server closes the stream on ill-formed XML.
	wire, err := xmpp.Parse(stanza.Bytes())
	if err != nil {
		err = fmt.Errorf("ill-formed stanza: %w", err)
		s.hub.closeSession(s, err)
		return err
	}
	s.hub.route(s, wire)
	return nil
}

func (s *memorySession) ReceiveCh() <-chan *xmpp.Element {
	return s.receiveCh
}

func (s *memorySession) Err() error {
	s.hub.mut.Lock()
	defer s.hub.mut.Unlock()
	return s.err
}

func (s *memorySession) Close() error {
	s.hub.mut.Lock()
	defer s.hub.mut.Unlock()
	s.hub.closeSession(s, nil)
	return nil
}
