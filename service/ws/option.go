// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"net/http"
)

// AuthCb is called prior to performing the websocket upgrade. On failure
// it's expected to have written the response.
type AuthCb func(w http.ResponseWriter, r *http.Request) error

type Option func(s *Server) error

// WithAuthCb lets the caller set an optional callback to be called prior to
// performing the websocket upgrade.
func WithAuthCb(cb AuthCb) Option {
	return func(s *Server) error {
		s.authCb = cb
		return nil
	}
}
