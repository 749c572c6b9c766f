// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package dc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeMessage(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		dcMsg, err := EncodeMessage(MessageTypePing, nil)
		require.NoError(t, err)

		mt, payload, err := DecodeMessage(dcMsg)
		require.NoError(t, err)
		require.Equal(t, MessageTypePing, mt)
		require.Nil(t, payload)
	})

	t.Run("pong", func(t *testing.T) {
		dcMsg, err := EncodeMessage(MessageTypePong, nil)
		require.NoError(t, err)

		mt, payload, err := DecodeMessage(dcMsg)
		require.NoError(t, err)
		require.Equal(t, MessageTypePong, mt)
		require.Nil(t, payload)
	})

	t.Run("command", func(t *testing.T) {
		cmd := MessageCommand{
			RequestID: "abcdefgh-12345678",
			Command:   "setAudioMute",
			Data:      []byte(`{"mute":true}`),
		}

		dcMsg, err := EncodeMessage(MessageTypeCommand, cmd)
		require.NoError(t, err)

		mt, payload, err := DecodeMessage(dcMsg)
		require.NoError(t, err)
		require.Equal(t, MessageTypeCommand, mt)
		require.Equal(t, cmd, payload)
	})

	t.Run("command without data", func(t *testing.T) {
		cmd := MessageCommand{RequestID: "a", Command: "hangup"}

		dcMsg, err := EncodeMessage(MessageTypeCommand, cmd)
		require.NoError(t, err)

		_, payload, err := DecodeMessage(dcMsg)
		require.NoError(t, err)
		decoded, ok := payload.(MessageCommand)
		require.True(t, ok)
		require.Equal(t, "hangup", decoded.Command)
		require.Empty(t, decoded.Data)
	})

	t.Run("ack", func(t *testing.T) {
		dcMsg, err := EncodeMessage(MessageTypeAck, MessageAck{RequestID: "a"})
		require.NoError(t, err)

		mt, payload, err := DecodeMessage(dcMsg)
		require.NoError(t, err)
		require.Equal(t, MessageTypeAck, mt)
		require.Equal(t, MessageAck{RequestID: "a"}, payload)
	})

	t.Run("status", func(t *testing.T) {
		status := MessageStatus{"audioMuted": "true", "view": "home"}

		dcMsg, err := EncodeMessage(MessageTypeStatus, status)
		require.NoError(t, err)

		mt, payload, err := DecodeMessage(dcMsg)
		require.NoError(t, err)
		require.Equal(t, MessageTypeStatus, mt)
		require.Equal(t, status, payload)
	})

	t.Run("invalid", func(t *testing.T) {
		_, _, err := DecodeMessage(nil)
		require.Error(t, err)

		dcMsg, err := EncodeMessage(MessageType(45), nil)
		require.NoError(t, err)
		_, _, err = DecodeMessage(dcMsg)
		require.EqualError(t, err, "unexpected dc message type: 45")
	})
}
