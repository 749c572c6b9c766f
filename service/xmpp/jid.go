// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package xmpp

import (
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"
)

// ValidateJID checks s against the address format rules of RFC 7622.
func ValidateJID(s string) error {
	if _, err := jid.Parse(s); err != nil {
		return fmt.Errorf("invalid jid %q: %w", s, err)
	}
	return nil
}

// NewJID composes a jid from its parts. Empty parts are omitted.
func NewJID(local, domain, resource string) string {
	var sb strings.Builder
	if local != "" {
		sb.WriteString(local)
		sb.WriteByte('@')
	}
	sb.WriteString(domain)
	if resource != "" {
		sb.WriteByte('/')
		sb.WriteString(resource)
	}
	return sb.String()
}

// Bare strips the resource part from jid.
func Bare(jid string) string {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// Resource returns the resource part of jid, if any.
func Resource(jid string) string {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[idx+1:]
	}
	return ""
}

// Local returns the local part of jid, if any.
func Local(jid string) string {
	bare := Bare(jid)
	if idx := strings.IndexByte(bare, '@'); idx >= 0 {
		return bare[:idx]
	}
	return ""
}

// Domain returns the domain part of jid.
func Domain(jid string) string {
	bare := Bare(jid)
	if idx := strings.IndexByte(bare, '@'); idx >= 0 {
		return bare[idx+1:]
	}
	return bare
}
