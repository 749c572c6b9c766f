// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"context"

	"github.com/mattermost/roomctl/service/xmpp"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// WSTransport dials XMPP sessions over WebSocket.
type WSTransport struct {
	cfg  xmpp.Config
	log  mlog.LoggerIFace
	opts []xmpp.Option
}

func NewWSTransport(cfg xmpp.Config, log mlog.LoggerIFace, opts ...xmpp.Option) *WSTransport {
	return &WSTransport{
		cfg:  cfg,
		log:  log,
		opts: opts,
	}
}

func (t *WSTransport) Dial(ctx context.Context) (Session, error) {
	s, err := xmpp.Dial(ctx, t.cfg, t.log, t.opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}
