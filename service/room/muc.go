// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/xmpp"
)

const (
	nsPing = "urn:xmpp:ping"

	statusSelfPresence = "110"
	statusRoomCreated  = "201"

	roomConfigFormType   = "http://jabber.org/protocol/muc#roomconfig"
	fieldFormType        = "FORM_TYPE"
	fieldRoomSecret      = "muc#roomconfig_roomsecret"
	fieldPasswordProtect = "muc#roomconfig_passwordprotectedroom"
)

func newJoinPresence(occupantJID, lock string, status presence.Status) *xmpp.Element {
	p := presence.Encode(occupantJID, status)
	x := p.AddChild(xmpp.NewElement(xmpp.NSMUC, "x"))
	if lock != "" {
		x.AddChild(xmpp.NewElement("", "password").SetText(lock))
	}
	x.AddChild(xmpp.NewElement("", "history").SetAttr("maxstanzas", "0"))
	return p
}

// mucStatusCodes returns the MUC status codes carried by a presence.
func mucStatusCodes(p *xmpp.Element) map[string]bool {
	codes := make(map[string]bool)
	x := p.ChildNS(xmpp.NSMUCUser, "x")
	if x == nil {
		return codes
	}
	for _, c := range x.Children {
		if c.Name.Local == "status" {
			codes[c.Attr("code")] = true
		}
	}
	return codes
}

// mucPassword returns the password carried by a join presence.
func mucPassword(p *xmpp.Element) (string, bool) {
	x := p.ChildNS(xmpp.NSMUC, "x")
	if x == nil {
		return "", false
	}
	if pw := x.Child("password"); pw != nil {
		return pw.Text, true
	}
	return "", true
}

func newRoomConfigIQ(id, roomJID, lock string) *xmpp.Element {
	iq := xmpp.NewIQ(id, roomJID, xmpp.IQSet)
	form := iq.AddChild(xmpp.NewElement(xmpp.NSMUCOwner, "query")).
		AddChild(xmpp.NewElement(xmpp.NSDataForms, "x")).
		SetAttr("type", "submit")

	protected := "0"
	if lock != "" {
		protected = "1"
	}
	addFormField(form, fieldFormType, roomConfigFormType)
	addFormField(form, fieldRoomSecret, lock)
	addFormField(form, fieldPasswordProtect, protected)

	return iq
}

func addFormField(form *xmpp.Element, name, value string) {
	field := form.AddChild(xmpp.NewElement("", "field")).SetAttr("var", name)
	field.AddChild(xmpp.NewElement("", "value")).SetText(value)
}

// parseRoomConfig returns the submitted fields of a muc#owner config iq.
func parseRoomConfig(iq *xmpp.Element) (map[string]string, bool) {
	query := iq.ChildNS(xmpp.NSMUCOwner, "query")
	if query == nil {
		return nil, false
	}
	form := query.ChildNS(xmpp.NSDataForms, "x")
	if form == nil || form.Attr("type") != "submit" {
		return nil, false
	}
	fields := make(map[string]string)
	for _, f := range form.Children {
		if f.Name.Local != "field" {
			continue
		}
		var value string
		if v := f.Child("value"); v != nil {
			value = v.Text
		}
		fields[f.Attr("var")] = value
	}
	return fields, true
}
