// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

const (
	NSClient    = "jabber:client"
	NSStream    = "http://etherx.jabber.org/streams"
	NSFraming   = "urn:ietf:params:xml:ns:xmpp-framing"
	NSSASL      = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind      = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession   = "urn:ietf:params:xml:ns:xmpp-session"
	NSStanzas   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSMUC       = "http://jabber.org/protocol/muc"
	NSMUCUser   = "http://jabber.org/protocol/muc#user"
	NSMUCOwner  = "http://jabber.org/protocol/muc#owner"
	NSDataForms = "jabber:x:data"
)

const (
	PresenceAvailable   = ""
	PresenceUnavailable = "unavailable"
	PresenceError       = "error"

	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Element is a minimal XML element tree. Name.Space holds the resolved
// namespace; an empty namespace is inherited from the parent when serialized.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Text     string
	Children []*Element
}

func NewElement(space, local string) *Element {
	return &Element{Name: xml.Name{Space: space, Local: local}}
}

// NewPresence returns a presence stanza addressed to the given jid.
func NewPresence(to, typ string) *Element {
	p := NewElement(NSClient, "presence")
	if to != "" {
		p.SetAttr("to", to)
	}
	if typ != "" {
		p.SetAttr("type", typ)
	}
	return p
}

// NewIQ returns an iq stanza with the given id, recipient and type.
func NewIQ(id, to, typ string) *Element {
	iq := NewElement(NSClient, "iq")
	iq.SetAttr("id", id)
	if to != "" {
		iq.SetAttr("to", to)
	}
	iq.SetAttr("type", typ)
	return iq
}

func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (e *Element) SetAttr(name, value string) *Element {
	for i, a := range e.Attrs {
		if a.Name.Local == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return e
}

func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// AddChild appends c and returns it so that calls can be chained.
func (e *Element) AddChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return c
}

// Child returns the first child with the given local name, or nil.
func (e *Element) Child(local string) *Element {
	for _, c := range e.Children {
		if c.Name.Local == local {
			return c
		}
	}
	return nil
}

// ChildNS returns the first child with the given namespace and local name, or nil.
func (e *Element) ChildNS(space, local string) *Element {
	for _, c := range e.Children {
		if c.Name.Local == local && c.Name.Space == space {
			return c
		}
	}
	return nil
}

func (e *Element) ID() string { return e.Attr("id") }
func (e *Element) From() string { return e.Attr("from") }
func (e *Element) To() string { return e.Attr("to") }
func (e *Element) Type() string { return e.Attr("type") }

func (e *Element) String() string {
	var sb strings.Builder
	e.write(&sb, "")
	return sb.String()
}

func (e *Element) Bytes() []byte {
	return []byte(e.String())
}

func (e *Element) write(sb *strings.Builder, parentNS string) {
	ns := e.Name.Space
	sb.WriteByte('<')
	sb.WriteString(e.Name.Local)
	if ns != "" && ns != parentNS {
		sb.WriteString(` xmlns="`)
		escape(sb, ns)
		sb.WriteByte('"')
	} else {
		ns = parentNS
	}
	for _, a := range e.Attrs {
		sb.WriteByte(' ')
		sb.WriteString(a.Name.Local)
		sb.WriteString(`="`)
		escape(sb, a.Value)
		sb.WriteByte('"')
	}
	if e.Text == "" && len(e.Children) == 0 {
		sb.WriteString("/>")
		return
	}
	sb.WriteByte('>')
	escape(sb, e.Text)
	for _, c := range e.Children {
		c.write(sb, ns)
	}
	sb.WriteString("</")
	sb.WriteString(e.Name.Local)
	sb.WriteByte('>')
}

func escape(sb *strings.Builder, s string) {
	_ = xml.EscapeText(sb, []byte(s))
}

// Parse decodes a single XML element from data.
func Parse(data []byte) (*Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read token: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return parseElement(dec, start)
		}
	}
}

func parseElement(dec *xml.Decoder, start xml.StartElement) (*Element, error) {
	el := &Element{Name: start.Name}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		el.Attrs = append(el.Attrs, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("unexpected EOF in element %q", el.Name.Local)
		} else if err != nil {
			return nil, fmt.Errorf("failed to read token: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := parseElement(dec, t)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(el.Children) == 0 {
				el.Text = text.String()
			} else {
				el.Text = strings.TrimSpace(text.String())
			}
			return el, nil
		}
	}
}
