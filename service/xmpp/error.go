// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package xmpp

import (
	"errors"
	"fmt"
)

// Stanza error conditions used by this package and its consumers.
const (
	ConditionNotAuthorized     = "not-authorized"
	ConditionItemNotFound      = "item-not-found"
	ConditionRegistrationReq   = "registration-required"
	ConditionForbidden         = "forbidden"
	ConditionServiceUnavail    = "service-unavailable"
	ConditionRemoteServerError = "remote-server-timeout"
	ConditionBadRequest        = "bad-request"
)

var (
	ErrAuthFailed  = errors.New("authentication failed")
	ErrStreamClose = errors.New("stream closed by server")
)

// StanzaError is the parsed form of an <error/> child of a stanza.
type StanzaError struct {
	Type      string
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stanza error %s (%s): %s", e.Condition, e.Type, e.Text)
	}
	return fmt.Sprintf("stanza error %s (%s)", e.Condition, e.Type)
}

// ParseStanzaError extracts the error carried by stanza, if any.
func ParseStanzaError(stanza *Element) *StanzaError {
	if stanza == nil {
		return nil
	}
	errEl := stanza.Child("error")
	if errEl == nil {
		return nil
	}
	se := &StanzaError{Type: errEl.Attr("type")}
	for _, c := range errEl.Children {
		if c.Name.Local == "text" {
			se.Text = c.Text
			continue
		}
		if se.Condition == "" {
			se.Condition = c.Name.Local
		}
	}
	return se
}

// NewErrorElement builds an <error/> child for the given condition.
func NewErrorElement(typ, condition string) *Element {
	errEl := NewElement("", "error")
	errEl.SetAttr("type", typ)
	errEl.AddChild(NewElement(NSStanzas, condition))
	return errEl
}
