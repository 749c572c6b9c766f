// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/service/room"
)

type Option func(s *Service) error

// WithTransport sets the transport the client uses to reach the chat
// server instead of the configured XMPP endpoint.
func WithTransport(t room.Transport) Option {
	return func(s *Service) error {
		if t == nil {
			return fmt.Errorf("invalid transport: should not be nil")
		}
		s.clientOpts = append(s.clientOpts, client.WithTransport(t))
		return nil
	}
}

// WithClientOptions passes extra options to the remote control client.
func WithClientOptions(opts ...client.Option) Option {
	return func(s *Service) error {
		s.clientOpts = append(s.clientOpts, opts...)
		return nil
	}
}
