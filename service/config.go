// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/logger"
	"github.com/mattermost/roomctl/service/api"
	"github.com/mattermost/roomctl/service/ws"
)

// bcrypt ignores anything past this length.
const maxAdminSecretKeyLen = 72

type SecurityConfig struct {
	// Whether or not to enable admin API access.
	EnableAdmin bool `toml:"enable_admin"`
	// The secret key used to authenticate admin requests.
	AdminSecretKey string `toml:"admin_secret_key"`
}

func (c SecurityConfig) IsValid() error {
	if !c.EnableAdmin {
		return nil
	}

	if c.AdminSecretKey == "" {
		return fmt.Errorf("invalid AdminSecretKey value: should not be empty")
	}

	if len(c.AdminSecretKey) > maxAdminSecretKeyLen {
		return fmt.Errorf("invalid AdminSecretKey value: should be at most %d bytes long", maxAdminSecretKeyLen)
	}

	return nil
}

type APIConfig struct {
	HTTP     api.Config      `toml:"http"`
	Security SecurityConfig  `toml:"security"`
	Events   ws.ServerConfig `toml:"events"`
}

func (c APIConfig) IsValid() error {
	if err := c.Security.IsValid(); err != nil {
		return fmt.Errorf("failed to validate admin config: %w", err)
	}

	if err := c.HTTP.IsValid(); err != nil {
		return fmt.Errorf("failed to validate http config: %w", err)
	}

	if err := c.Events.IsValid(); err != nil {
		return fmt.Errorf("failed to validate events config: %w", err)
	}

	return nil
}

type Config struct {
	API    APIConfig
	Client client.Config
	// Session describes the room the service joins on start.
	Session client.ConnectOptions
	Store   StoreConfig
	Logger  logger.Config
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return err
	}

	if err := c.Client.IsValid(); err != nil {
		return fmt.Errorf("failed to validate client config: %w", err)
	}

	if err := c.Session.IsValid(); err != nil {
		return fmt.Errorf("failed to validate session config: %w", err)
	}

	if err := c.Store.IsValid(); err != nil {
		return err
	}

	return c.Logger.IsValid()
}

func (c *Config) SetDefaults() {
	c.API.HTTP.SetDefaults()
	c.API.Events.SetDefaults()
	c.Client.SetDefaults()
	c.Session.JoinAsSpot = true
	c.Session.AutoReconnect = true
	c.Store.DataSource = "/tmp/roomctl_db"
	c.Logger.SetDefaults()
}

type StoreConfig struct {
	DataSource string `toml:"data_source"`
}

func (c StoreConfig) IsValid() error {
	if c.DataSource == "" {
		return fmt.Errorf("invalid DataSource value: should not be empty")
	}
	return nil
}
