// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/xmpp"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Run("dial errors", func(t *testing.T) {
		err := classifyDialError(fmt.Errorf("sasl: %w", xmpp.ErrAuthFailed))
		require.Equal(t, KindNotAuthorized, err.Kind)
		require.Equal(t, xmpp.ConditionNotAuthorized, err.Condition)
		require.True(t, IsFatal(err))

		err = classifyDialError(context.DeadlineExceeded)
		require.Equal(t, KindTimeout, err.Kind)
		require.True(t, IsRetryable(err))

		err = classifyDialError(errors.New("connection refused"))
		require.Equal(t, KindTransport, err.Kind)
		require.True(t, IsRetryable(err))
		require.False(t, IsFatal(err))
	})

	t.Run("stanza errors", func(t *testing.T) {
		for cond, kind := range map[string]ErrorKind{
			xmpp.ConditionNotAuthorized:   KindNotAuthorized,
			xmpp.ConditionForbidden:       KindNotAuthorized,
			xmpp.ConditionRegistrationReq: KindNotAuthorized,
			xmpp.ConditionItemNotFound:    KindRoomNotFound,
			xmpp.ConditionServiceUnavail:  KindTransport,
		} {
			err := classifyStanzaError(&xmpp.StanzaError{Type: "auth", Condition: cond})
			require.Equal(t, kind, err.Kind, cond)
			require.Equal(t, cond, err.Condition)
		}
		require.Equal(t, KindTransport, classifyStanzaError(nil).Kind)
	})

	t.Run("command timeout", func(t *testing.T) {
		err := classifyCommandError(fmt.Errorf("%w after 1s", envelope.ErrCommandTimeout))
		require.Equal(t, KindCommandTimeout, KindOf(err))
		require.ErrorIs(t, err, envelope.ErrCommandTimeout)
		require.False(t, IsRetryable(err))

		other := errors.New("other")
		require.Equal(t, other, classifyCommandError(other))
	})

	t.Run("unclassified", func(t *testing.T) {
		require.False(t, IsRetryable(nil))
		require.True(t, IsRetryable(errors.New("boom")))
		require.False(t, IsRetryable(context.Canceled))
		require.Zero(t, KindOf(errors.New("boom")))
	})

	t.Run("message", func(t *testing.T) {
		err := &Error{Kind: KindNotAuthorized, Condition: "forbidden", Err: errors.New("denied")}
		require.EqualError(t, err, "not_authorized (forbidden): denied")
		require.EqualError(t, NewError(KindTimeout, errors.New("slow")), "connection_timeout: slow")
		require.Equal(t, "unknown", ErrorKind(0).String())
	})
}
