// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	// ICEServers is the list of STUN/TURN servers used while gathering
	// candidates.
	ICEServers ICEServers `toml:"ice_servers"`
	// NegotiationTimeout bounds the time between starting a negotiation and
	// the data channel becoming active.
	NegotiationTimeout time.Duration `toml:"negotiation_timeout"`
	// IncludeLoopback enables loopback candidates. Mostly useful for
	// testing.
	IncludeLoopback bool `toml:"include_loopback"`
}

func (c Config) IsValid() error {
	if err := c.ICEServers.IsValid(); err != nil {
		return fmt.Errorf("invalid ICEServers value: %w", err)
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("invalid NegotiationTimeout value: should be greater than zero")
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = 30 * time.Second
	}
}

type ICEServerConfig struct {
	URLs       []string `toml:"urls" json:"urls"`
	Username   string   `toml:"username,omitempty" json:"username,omitempty"`
	Credential string   `toml:"credential,omitempty" json:"credential,omitempty"`
}

type ICEServers []ICEServerConfig

func (c ICEServerConfig) IsValid() error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("invalid empty URLs")
	}
	for _, u := range c.URLs {
		if u == "" {
			return fmt.Errorf("invalid empty URL")
		}
		uri, err := stun.ParseURI(u)
		if err != nil {
			return fmt.Errorf("failed to parse URL %q: %w", u, err)
		}
		if (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) && c.Username == "" {
			return fmt.Errorf("missing credentials for TURN URL %q", u)
		}
	}
	return nil
}

func (s ICEServers) IsValid() error {
	for _, cfg := range s {
		if err := cfg.IsValid(); err != nil {
			return err
		}
	}
	return nil
}

func (s ICEServers) toWebRTC() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(s))
	for _, cfg := range s {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.URLs,
			Username:   cfg.Username,
			Credential: cfg.Credential,
		})
	}
	return servers
}

// Decode implements envconfig.Decoder. It accepts either a JSON list of
// URLs or a JSON list of server objects.
func (s *ICEServers) Decode(value string) error {
	var urls []string
	err := json.Unmarshal([]byte(value), &urls)
	if err == nil {
		*s = ICEServers{
			{
				URLs: urls,
			},
		}
		return nil
	}

	return json.Unmarshal([]byte(value), (*[]ICEServerConfig)(s))
}

func (s *ICEServers) UnmarshalTOML(data any) error {
	d, ok := data.([]any)
	if !ok {
		return fmt.Errorf("invalid type %T", data)
	}

	var iceServers []ICEServerConfig
	for _, obj := range d {
		var server ICEServerConfig

		switch t := obj.(type) {
		case string:
			server.URLs = append(server.URLs, t)
		case map[string]any:
			urls, _ := t["urls"].([]any)
			for _, u := range urls {
				uVal, _ := u.(string)
				server.URLs = append(server.URLs, uVal)
			}
			server.Username, _ = t["username"].(string)
			server.Credential, _ = t["credential"].(string)
		default:
			return fmt.Errorf("unknown type %T", t)
		}

		iceServers = append(iceServers, server)
	}

	*s = iceServers

	return nil
}
