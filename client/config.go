// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"fmt"
	"time"

	"github.com/mattermost/roomctl/service/bridge"
	"github.com/mattermost/roomctl/service/room"
	"github.com/mattermost/roomctl/service/supervisor"
	"github.com/mattermost/roomctl/service/xmpp"
)

type Config struct {
	XMPP      xmpp.Config       `toml:"xmpp"`
	Room      room.Config       `toml:"room"`
	Reconnect supervisor.Config `toml:"reconnect"`
	Bridge    bridge.Config     `toml:"bridge"`
	P2P       P2PConfig         `toml:"p2p"`
}

// IsValid validates the config. The XMPP section is checked by New only
// when no transport is provided.
func (c Config) IsValid() error {
	if err := c.Room.IsValid(); err != nil {
		return fmt.Errorf("invalid Room config: %w", err)
	}
	if err := c.Reconnect.IsValid(); err != nil {
		return fmt.Errorf("invalid Reconnect config: %w", err)
	}
	if err := c.Bridge.IsValid(); err != nil {
		return fmt.Errorf("invalid Bridge config: %w", err)
	}
	if err := c.P2P.IsValid(); err != nil {
		return fmt.Errorf("invalid P2P config: %w", err)
	}
	return nil
}

func (c *Config) SetDefaults() {
	c.XMPP.SetDefaults()
	c.Room.SetDefaults()
	c.Reconnect.SetDefaults()
	c.Bridge.SetDefaults()
	c.P2P.SetDefaults()
}

// P2PConfig controls the command bridge a Spot-Remote keeps with the
// Spot-TV.
type P2PConfig struct {
	// Enable makes a Spot-Remote offer a command bridge as soon as the
	// Spot-TV joins the room.
	Enable bool `toml:"enable"`
	// MaxRetries is how many times in a row a dropped command bridge is
	// offered again.
	MaxRetries int `toml:"max_retries"`
	// RetryDelay is the wait between a drop and the next offer.
	RetryDelay time.Duration `toml:"retry_delay"`
}

func (c P2PConfig) IsValid() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid MaxRetries value: should not be negative")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("invalid RetryDelay value: should be greater than zero")
	}
	return nil
}

func (c *P2PConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 30 * time.Second
	}
}

// ConnectOptions describe the room to join and the role to join it with.
type ConnectOptions struct {
	// JoinAsSpot selects the Spot-TV role. Otherwise the client acts as a
	// Spot-Remote.
	JoinAsSpot bool `toml:"join_as_spot"`
	// RoomName is the room to join. A Spot-TV picks one if empty.
	RoomName string `toml:"room_name"`
	// Lock is the room password. A Spot-TV generates one if empty.
	Lock string `toml:"lock"`
	// JoinCode, if set, is exchanged for the room name and lock. Only
	// valid for a Spot-Remote.
	JoinCode string `toml:"join_code"`
	// Nick is the occupant nickname. A random one is used if empty.
	Nick string `toml:"nick"`
	// JoinCodeRefreshRate is how often a Spot-TV rotates its lock. Zero
	// disables rotation.
	JoinCodeRefreshRate time.Duration `toml:"join_code_refresh_rate"`
	// AutoReconnect enables the reconnection supervisor after the
	// connection is lost.
	AutoReconnect bool `toml:"auto_reconnect"`
}

func (o ConnectOptions) IsValid() error {
	if o.JoinAsSpot && o.JoinCode != "" {
		return fmt.Errorf("invalid JoinCode value: should be empty for a spot")
	}
	if !o.JoinAsSpot && o.JoinCode == "" && o.RoomName == "" {
		return fmt.Errorf("invalid options: either JoinCode or RoomName should be set")
	}
	if o.JoinCodeRefreshRate < 0 {
		return fmt.Errorf("invalid JoinCodeRefreshRate value: should not be negative")
	}
	if !o.JoinAsSpot && o.JoinCodeRefreshRate > 0 {
		return fmt.Errorf("invalid JoinCodeRefreshRate value: only a spot can refresh its join code")
	}
	return nil
}

func (o ConnectOptions) role() Role {
	if o.JoinAsSpot {
		return RoleSpotTV
	}
	return RoleSpotRemote
}

type Role string

const (
	RoleSpotTV     Role = "spot-tv"
	RoleSpotRemote Role = "spot-remote"
)
