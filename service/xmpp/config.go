// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package xmpp

import (
	"fmt"
	"strings"
	"time"
)

type Mechanism string

const (
	MechanismAnonymous   Mechanism = "ANONYMOUS"
	MechanismPlain       Mechanism = "PLAIN"
	MechanismSCRAMSHA1   Mechanism = "SCRAM-SHA-1"
	MechanismSCRAMSHA256 Mechanism = "SCRAM-SHA-256"
)

func (m Mechanism) IsValid() bool {
	switch m {
	case MechanismAnonymous, MechanismPlain, MechanismSCRAMSHA1, MechanismSCRAMSHA256:
		return true
	default:
		return false
	}
}

type Config struct {
	// WebSocketURL is the XMPP over WebSocket endpoint (RFC 7395).
	// Should start with either `ws://` or `wss://`.
	WebSocketURL string `toml:"websocket_url"`
	// Domain is the XMPP domain to open the stream to.
	Domain string `toml:"domain"`
	// Mechanism is the SASL mechanism used to authenticate the stream.
	Mechanism Mechanism `toml:"mechanism"`
	Username  string    `toml:"username"`
	Password  string    `toml:"password"`
	// Resource is the resource requested on bind. The server picks one when
	// left empty.
	Resource string `toml:"resource"`
	// WriteTimeout is the maximum time allowed to write a single stanza.
	WriteTimeout time.Duration `toml:"write_timeout"`
}

func (c Config) IsValid() error {
	if c.WebSocketURL == "" {
		return fmt.Errorf("invalid WebSocketURL value: should not be empty")
	}
	if !strings.HasPrefix(c.WebSocketURL, "ws://") && !strings.HasPrefix(c.WebSocketURL, "wss://") {
		return fmt.Errorf(`invalid WebSocketURL value: should start with "ws://" or "wss://"`)
	}
	if c.Domain == "" {
		return fmt.Errorf("invalid Domain value: should not be empty")
	}
	if !c.Mechanism.IsValid() {
		return fmt.Errorf("invalid Mechanism value %q", c.Mechanism)
	}
	if c.Mechanism != MechanismAnonymous && c.Username == "" {
		return fmt.Errorf("invalid Username value: should not be empty")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("invalid WriteTimeout value: should not be negative")
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.Mechanism == "" {
		c.Mechanism = MechanismAnonymous
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}
