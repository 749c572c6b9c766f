// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/roomctl/service/xmpp"
)

type Config struct {
	// MUCDomain is the domain hosting the rooms (e.g. conference.example.com).
	MUCDomain string `toml:"muc_domain"`
	// ConnectTimeout bounds a whole connection attempt, from dialing the
	// transport until the room is joined.
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	// CommandTimeout is how long to wait for a command to be acknowledged.
	CommandTimeout time.Duration `toml:"command_timeout"`
	// StanzaRateLimit is the maximum number of outbound stanzas per second.
	StanzaRateLimit float64 `toml:"stanza_rate_limit"`
	// StanzaBurst is the number of stanzas that can be sent at once above
	// the rate limit.
	StanzaBurst int `toml:"stanza_burst"`
}

func (c Config) IsValid() error {
	if c.MUCDomain == "" {
		return fmt.Errorf("invalid MUCDomain value: should not be empty")
	}
	if err := xmpp.ValidateJID(c.MUCDomain); err != nil || strings.ContainsAny(c.MUCDomain, "@/") {
		return fmt.Errorf("invalid MUCDomain value: should be a domain")
	}
	if c.ConnectTimeout < time.Second {
		return fmt.Errorf("invalid ConnectTimeout value: should be at least 1 second")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("invalid CommandTimeout value: should be greater than zero")
	}
	if c.StanzaRateLimit <= 0 {
		return fmt.Errorf("invalid StanzaRateLimit value: should be greater than zero")
	}
	if c.StanzaBurst <= 0 {
		return fmt.Errorf("invalid StanzaBurst value: should be greater than zero")
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.StanzaRateLimit == 0 {
		c.StanzaRateLimit = 50
	}
	if c.StanzaBurst == 0 {
		c.StanzaBurst = 20
	}
}

// JoinOptions describe which room to join and how.
type JoinOptions struct {
	RoomName string
	// Lock is the room password. When creating the room it becomes its
	// initial lock.
	Lock string
	// JoinAsSpot marks this occupant as the Spot-TV. Only a Spot-TV may
	// create a room.
	JoinAsSpot bool
	// Nick is the occupant nickname. A random one is used if empty.
	Nick string
	// Retry requests that transport failures leave the connection in the
	// reconnecting state rather than unrecoverable.
	Retry bool
}

func (o JoinOptions) IsValid() error {
	if o.RoomName == "" {
		return fmt.Errorf("invalid RoomName value: should not be empty")
	}
	return nil
}
