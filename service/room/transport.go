// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"context"

	"github.com/mattermost/roomctl/service/xmpp"
)

// Session is an established, authenticated stream to the chat server.
type Session interface {
	// JID returns the full jid bound to the session.
	JID() string
	// Send queues a stanza for delivery.
	Send(stanza *xmpp.Element) error
	// ReceiveCh delivers inbound stanzas. It is closed when the session ends.
	ReceiveCh() <-chan *xmpp.Element
	// Err returns why the session ended, nil if it was closed locally.
	Err() error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context) (Session, error)

func (f TransportFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}
