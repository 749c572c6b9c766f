// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/xmpp"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

const (
	testMUCDomain = "conference.example.com"
	testRoomJID   = "room1@conference.example.com"
	waitTimeout   = 2 * time.Second
)

func newTestConn(t *testing.T, hub *MemoryHub, log mlog.LoggerIFace, commandTimeout time.Duration) *Conn {
	t.Helper()
	cfg := Config{
		MUCDomain:      testMUCDomain,
		CommandTimeout: commandTimeout,
	}
	cfg.SetDefaults()
	c, err := NewConn(cfg, hub, log)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for event")
	}
	var zero T
	return zero
}

func presenceCh(t *testing.T, c *Conn) <-chan presence.Update {
	t.Helper()
	ch := make(chan presence.Update, 32)
	require.NoError(t, c.On(PresenceEvent, func(ctx any) error {
		ch <- ctx.(presence.Update)
		return nil
	}))
	return ch
}

func stateCh(t *testing.T, c *Conn) <-chan StateChange {
	t.Helper()
	ch := make(chan StateChange, 32)
	require.NoError(t, c.On(StateChangeEvent, func(ctx any) error {
		ch <- ctx.(StateChange)
		return nil
	}))
	return ch
}

// joinRaw joins the room with a bare hub session that never acks anything.
func joinRaw(t *testing.T, hub *MemoryHub, nick, lock string) Session {
	t.Helper()
	sess, err := hub.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	occupant := xmpp.NewJID("room1", testMUCDomain, nick)
	require.NoError(t, sess.Send(newJoinPresence(occupant, lock, presence.NewStatus())))
	for {
		el := recv(t, sess.ReceiveCh())
		if el.Name.Local == "presence" && el.From() == occupant {
			require.Empty(t, el.Type())
			return sess
		}
	}
}

func TestConnect(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		err := log.Shutdown()
		require.NoError(t, err)
	}()

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewConn(Config{}, NewMemoryHub("example.com"), log)
		require.EqualError(t, err, "failed to validate config: invalid MUCDomain value: should not be empty")

		cfg := Config{MUCDomain: "room@example.com"}
		cfg.SetDefaults()
		_, err = NewConn(cfg, NewMemoryHub("example.com"), log)
		require.EqualError(t, err, "failed to validate config: invalid MUCDomain value: should be a domain")
	})

	t.Run("spot creates locked room", func(t *testing.T) {
		hub := NewMemoryHub("example.com")
		spot := newTestConn(t, hub, log, 0)
		states := stateCh(t, spot)

		jid, err := spot.Connect(context.Background(), JoinOptions{RoomName: "Room1", Lock: "abc", JoinAsSpot: true, Nick: "tv"})
		require.NoError(t, err)
		require.Equal(t, "room1@conference.example.com/tv", jid)
		require.Equal(t, StateConnected, spot.State())
		require.True(t, spot.HasConnection())
		require.Equal(t, jid, spot.RoomFullJID())
		require.Equal(t, testRoomJID, spot.RoomBareJID())
		require.Equal(t, "room1", spot.RoomName())
		require.Equal(t, "abc", spot.Lock())

		secret, ok := hub.RoomSecret(testRoomJID)
		require.True(t, ok)
		require.Equal(t, "abc", secret)

		require.Equal(t, StateChange{From: StateDisconnected, To: StateConnecting}, recv(t, states))
		require.Equal(t, StateChange{From: StateConnecting, To: StateConnected}, recv(t, states))

		_, err = spot.Connect(context.Background(), JoinOptions{RoomName: "room1", JoinAsSpot: true})
		require.ErrorIs(t, err, ErrAlreadyConnected)
	})

	t.Run("remote joins and sees spot", func(t *testing.T) {
		hub := NewMemoryHub("example.com")
		spot := newTestConn(t, hub, log, 0)
		spotPresence := presenceCh(t, spot)
		_, err := spot.Connect(context.Background(), JoinOptions{RoomName: "room1", Lock: "abc", JoinAsSpot: true, Nick: "tv"})
		require.NoError(t, err)

		remote := newTestConn(t, hub, log, 0)
		remotePresence := presenceCh(t, remote)
		remoteJID, err := remote.Connect(context.Background(), JoinOptions{RoomName: "room1", Lock: "abc"})
		require.NoError(t, err)

		upd := recv(t, remotePresence)
		require.Equal(t, "room1@conference.example.com/tv", upd.From)
		isSpot, ok := upd.Status.Bool(presence.KeyIsSpot)
		require.True(t, ok)
		require.True(t, isSpot)

		upd = recv(t, spotPresence)
		require.Equal(t, remoteJID, upd.From)
		_, ok = upd.Status.Get(string(presence.KeyIsSpot))
		require.False(t, ok)

		require.ElementsMatch(t, []string{remoteJID, "room1@conference.example.com/tv"}, hub.Occupants(testRoomJID))
	})

	t.Run("wrong lock", func(t *testing.T) {
		hub := NewMemoryHub("example.com")
		spot := newTestConn(t, hub, log, 0)
		_, err := spot.Connect(context.Background(), JoinOptions{RoomName: "room1", Lock: "abc", JoinAsSpot: true})
		require.NoError(t, err)

		remote := newTestConn(t, hub, log, 0)
		disconnectCh := make(chan error, 1)
		require.NoError(t, remote.On(DisconnectEvent, func(ctx any) error {
			disconnectCh <- ctx.(error)
			return nil
		}))
		_, err = remote.Connect(context.Background(), JoinOptions{RoomName: "room1", Lock: "xyz", Retry: true})
		require.Error(t, err)
		require.Equal(t, KindNotAuthorized, KindOf(err))
		require.True(t, IsFatal(err))
		require.False(t, IsRetryable(err))
		require.Equal(t, StateUnrecoverable, remote.State())
		require.Equal(t, KindNotAuthorized, KindOf(recv(t, disconnectCh)))
	})

	t.Run("remote cannot create room", func(t *testing.T) {
		hub := NewMemoryHub("example.com")
		remote := newTestConn(t, hub, log, 0)
		_, err := remote.Connect(context.Background(), JoinOptions{RoomName: "nope"})
		require.Error(t, err)
		require.Equal(t, KindRoomNotFound, KindOf(err))
		require.Equal(t, StateUnrecoverable, remote.State())
		require.Empty(t, hub.Occupants("nope@conference.example.com"))
	})

	t.Run("dial failure", func(t *testing.T) {
		hub := NewMemoryHub("example.com")
		hub.SetDialError(errors.New("connection refused"))
		c := newTestConn(t, hub, log, 0)

		_, err := c.Connect(context.Background(), JoinOptions{RoomName: "room1", JoinAsSpot: true, Retry: true})
		require.Error(t, err)
		require.Equal(t, KindTransport, KindOf(err))
		require.True(t, IsRetryable(err))
		require.Equal(t, StateReconnecting, c.State())

		hub.SetDialError(nil)
		_, err = c.Connect(context.Background(), JoinOptions{RoomName: "room1", JoinAsSpot: true, Retry: true})
		require.NoError(t, err)
		require.Equal(t, StateConnected, c.State())
		require.Equal(t, 2, hub.Dials())
	})

	t.Run("invalid options", func(t *testing.T) {
		c := newTestConn(t, NewMemoryHub("example.com"), log, 0)
		_, err := c.Connect(context.Background(), JoinOptions{})
		require.EqualError(t, err, "invalid RoomName value: should not be empty")
		require.Equal(t, StateDisconnected, c.State())

		hub := NewMemoryHub("example.com")
		c = newTestConn(t, hub, log, 0)
		_, err = c.Connect(context.Background(), JoinOptions{RoomName: "a<b"})
		require.EqualError(t, err, `invalid RoomName value: "a<b" can't be used in an address`)
		require.Equal(t, StateDisconnected, c.State())
		require.Zero(t, hub.Dials())
	})
}

func TestConnRequests(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		err := log.Shutdown()
		require.NoError(t, err)
	}()

	setup := func(t *testing.T, commandTimeout time.Duration) (*MemoryHub, *Conn, *Conn, chan envelope.Envelope) {
		hub := NewMemoryHub("example.com")
		spot := newTestConn(t, hub, log, commandTimeout)
		reqCh := make(chan envelope.Envelope, 8)
		require.NoError(t, spot.OnRequest(func(env envelope.Envelope) (any, error) {
			reqCh <- env
			if env.Type == "fail" {
				return nil, errors.New("cannot do that")
			}
			if env.Kind == envelope.KindCommand {
				return map[string]bool{"ok": true}, nil
			}
			return nil, nil
		}))
		_, err := spot.Connect(context.Background(), JoinOptions{RoomName: "room1", JoinAsSpot: true, Nick: "tv"})
		require.NoError(t, err)

		remote := newTestConn(t, hub, log, commandTimeout)
		_, err = remote.Connect(context.Background(), JoinOptions{RoomName: "room1"})
		require.NoError(t, err)

		return hub, spot, remote, reqCh
	}

	t.Run("command acked with data", func(t *testing.T) {
		_, spot, remote, reqCh := setup(t, time.Second)

		data, err := remote.SendCommand(context.Background(), spot.RoomFullJID(), envelope.CommandSetAudioMute, envelope.MuteData{Mute: true})
		require.NoError(t, err)
		require.JSONEq(t, `{"ok":true}`, string(data))

		env := recv(t, reqCh)
		require.Equal(t, envelope.KindCommand, env.Kind)
		require.Equal(t, envelope.CommandSetAudioMute, env.CommandType())
		require.Equal(t, remote.RoomFullJID(), env.From)
		var mute envelope.MuteData
		require.NoError(t, env.Decode(&mute))
		require.True(t, mute.Mute)
	})

	t.Run("handler error", func(t *testing.T) {
		_, spot, remote, _ := setup(t, time.Second)

		_, err := remote.SendCommand(context.Background(), spot.RoomFullJID(), "fail", nil)
		require.Error(t, err)
		var se *xmpp.StanzaError
		require.True(t, errors.As(err, &se))
		require.Equal(t, xmpp.ConditionBadRequest, se.Condition)
	})

	t.Run("message", func(t *testing.T) {
		_, spot, remote, reqCh := setup(t, time.Second)

		err := remote.SendMessage(context.Background(), spot.RoomFullJID(), envelope.MessageRemoteControlUpdate, json.RawMessage(`{"x":1}`))
		require.NoError(t, err)

		env := recv(t, reqCh)
		require.Equal(t, envelope.KindMessage, env.Kind)
		require.Equal(t, envelope.MessageRemoteControlUpdate, env.MessageType())
		require.JSONEq(t, `{"x":1}`, string(env.Data))
	})

	t.Run("command timeout", func(t *testing.T) {
		hub, _, remote, _ := setup(t, 100*time.Millisecond)
		joinRaw(t, hub, "mute", "")

		_, err := remote.SendCommand(context.Background(), "room1@conference.example.com/mute", envelope.CommandHangUp, nil)
		require.Error(t, err)
		require.Equal(t, KindCommandTimeout, KindOf(err))
		require.ErrorIs(t, err, envelope.ErrCommandTimeout)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		_, _, remote, _ := setup(t, time.Second)

		_, err := remote.SendCommand(context.Background(), "room1@conference.example.com/ghost", envelope.CommandHangUp, nil)
		var se *xmpp.StanzaError
		require.True(t, errors.As(err, &se))
		require.Equal(t, xmpp.ConditionItemNotFound, se.Condition)
	})

	t.Run("malformed payload is still acked", func(t *testing.T) {
		hub, spot, _, reqCh := setup(t, time.Second)
		raw := joinRaw(t, hub, "raw", "")

		iq := xmpp.NewIQ("bad1", spot.RoomFullJID(), xmpp.IQSet)
		iq.AddChild(xmpp.NewElement(envelope.NSCommand, "command")).
			SetAttr("type", string(envelope.CommandHangUp)).
			SetText("{not json")
		require.NoError(t, raw.Send(iq))

		env := recv(t, reqCh)
		require.Equal(t, envelope.CommandHangUp, env.CommandType())
		require.JSONEq(t, `{}`, string(env.Data))

		for {
			el := recv(t, raw.ReceiveCh())
			if el.Name.Local == "iq" && el.ID() == "bad1" {
				require.Equal(t, xmpp.IQResult, el.Type())
				return
			}
		}
	})

	t.Run("ping and unsupported iq", func(t *testing.T) {
		hub, spot, _, _ := setup(t, time.Second)
		raw := joinRaw(t, hub, "raw", "")

		ping := xmpp.NewIQ("p1", spot.RoomFullJID(), xmpp.IQGet)
		ping.AddChild(xmpp.NewElement(nsPing, "ping"))
		require.NoError(t, raw.Send(ping))

		query := xmpp.NewIQ("q1", spot.RoomFullJID(), xmpp.IQGet)
		query.AddChild(xmpp.NewElement("jabber:iq:version", "query"))
		require.NoError(t, raw.Send(query))

		replies := map[string]*xmpp.Element{}
		for len(replies) < 2 {
			el := recv(t, raw.ReceiveCh())
			if el.Name.Local == "iq" {
				replies[el.ID()] = el
			}
		}
		require.Equal(t, xmpp.IQResult, replies["p1"].Type())
		require.Equal(t, xmpp.IQError, replies["q1"].Type())
		require.Equal(t, xmpp.ConditionServiceUnavail, xmpp.ParseStanzaError(replies["q1"]).Condition)
	})

	t.Run("not connected", func(t *testing.T) {
		c := newTestConn(t, NewMemoryHub("example.com"), log, 0)
		_, err := c.SendCommand(context.Background(), "room1@conference.example.com/tv", envelope.CommandHangUp, nil)
		require.ErrorIs(t, err, ErrNotConnected)
		err = c.SendMessage(context.Background(), "room1@conference.example.com/tv", envelope.MessageRemoteControlUpdate, nil)
		require.ErrorIs(t, err, ErrNotConnected)
		require.ErrorIs(t, c.SetLock(context.Background(), "abc"), ErrNotConnected)
	})
}

func TestConnLockAndStatus(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		err := log.Shutdown()
		require.NoError(t, err)
	}()

	hub := NewMemoryHub("example.com")
	spot := newTestConn(t, hub, log, 0)
	lockCh := make(chan LockChange, 1)
	require.NoError(t, spot.On(LockChangeEvent, func(ctx any) error {
		lockCh <- ctx.(LockChange)
		return nil
	}))
	require.ErrorIs(t, spot.On(LockChangeEvent, func(_ any) error { return nil }), ErrAlreadySubscribed)

	_, err = spot.Connect(context.Background(), JoinOptions{RoomName: "room1", Lock: "abc", JoinAsSpot: true})
	require.NoError(t, err)

	remote := newTestConn(t, hub, log, 0)
	remotePresence := presenceCh(t, remote)
	_, err = remote.Connect(context.Background(), JoinOptions{RoomName: "room1", Lock: "abc"})
	require.NoError(t, err)
	recv(t, remotePresence)

	t.Run("set lock", func(t *testing.T) {
		require.NoError(t, spot.SetLock(context.Background(), "xyz"))
		require.Equal(t, LockChange{Lock: "xyz"}, recv(t, lockCh))
		require.Equal(t, "xyz", spot.Lock())
		secret, _ := hub.RoomSecret(testRoomJID)
		require.Equal(t, "xyz", secret)
	})

	t.Run("only owner can lock", func(t *testing.T) {
		err := remote.SetLock(context.Background(), "zzz")
		var se *xmpp.StanzaError
		require.True(t, errors.As(err, &se))
		require.Equal(t, xmpp.ConditionForbidden, se.Condition)
	})

	t.Run("status broadcast", func(t *testing.T) {
		status := presence.NewStatus()
		require.NoError(t, status.SetBool(string(presence.KeyAudioMuted), true))
		require.NoError(t, status.SetString("custom", "value"))
		require.NoError(t, spot.UpdateStatus(status))

		upd := recv(t, remotePresence)
		require.Equal(t, spot.RoomFullJID(), upd.From)
		muted, ok := upd.Status.Bool(presence.KeyAudioMuted)
		require.True(t, ok)
		require.True(t, muted)
		require.Equal(t, "true", upd.Status.Value(presence.KeyIsSpot))
		v, ok := upd.Status.Get("custom")
		require.True(t, ok)
		require.Equal(t, "value", v)
	})

	t.Run("status survives the wire", func(t *testing.T) {
		for _, tc := range []struct {
			name   string
			status map[string]string
			err    string
		}{
			{
				name:   "known and unknown keys",
				status: map[string]string{"joinCode": "abc123", "remoteJoinCode": "def456", "_private": "1", "with.dot": "x"},
			},
			{
				name:   "markup in values",
				status: map[string]string{"view": "<b>admin</b> & \"more\"", "calendar": `[{"title":"a<b"}]`},
			},
			{
				name:   "whitespace and unicode",
				status: map[string]string{"custom": "  two\nlines\t", "emoji": "caf\u00e9 \u2615", "empty": ""},
			},
			{
				name:   "reserved key",
				status: map[string]string{"view": "home", "status": "away"},
				err:    `reserved status key: "status"`,
			},
			{
				name:   "invalid key",
				status: map[string]string{"room name": "x"},
				err:    `invalid status key: "room name"`,
			},
		} {
			t.Run(tc.name, func(t *testing.T) {
				status, err := presence.FromMap(tc.status)
				if tc.err != "" {
					require.EqualError(t, err, tc.err)
					return
				}
				require.NoError(t, err)
				require.NoError(t, spot.UpdateStatus(status))

				upd := recv(t, remotePresence)
				require.Equal(t, spot.RoomFullJID(), upd.From)
				for k, v := range tc.status {
					got, ok := upd.Status.Get(k)
					require.True(t, ok, k)
					require.Equal(t, v, got, k)
				}
			})
		}
	})

	t.Run("leave is seen by others", func(t *testing.T) {
		spotJID := spot.RoomFullJID()
		spot.Disconnect()
		require.Equal(t, StateDisconnected, spot.State())
		require.Empty(t, spot.RoomFullJID())

		upd := recv(t, remotePresence)
		require.Equal(t, spotJID, upd.From)
		require.True(t, upd.IsUnavailable())
	})
}

func TestConnSessionLoss(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		err := log.Shutdown()
		require.NoError(t, err)
	}()

	for _, tc := range []struct {
		name  string
		retry bool
		state State
	}{
		{name: "with retry", retry: true, state: StateReconnecting},
		{name: "without retry", retry: false, state: StateUnrecoverable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hub := NewMemoryHub("example.com")
			c := newTestConn(t, hub, log, 0)
			disconnectCh := make(chan error, 1)
			require.NoError(t, c.On(DisconnectEvent, func(ctx any) error {
				disconnectCh <- ctx.(error)
				return nil
			}))

			_, err := c.Connect(context.Background(), JoinOptions{RoomName: "room1", JoinAsSpot: true, Retry: tc.retry})
			require.NoError(t, err)

			sessions := hub.Sessions()
			require.Len(t, sessions, 1)
			require.True(t, hub.Kill(sessions[0], errors.New("network down")))

			err = recv(t, disconnectCh)
			require.Equal(t, KindTransport, KindOf(err))
			require.Equal(t, tc.state, c.State())
			require.False(t, c.HasConnection())

			if tc.retry {
				_, err = c.Connect(context.Background(), c.Options())
				require.NoError(t, err)
				require.Equal(t, StateConnected, c.State())
			}
		})
	}

	t.Run("error presence from room", func(t *testing.T) {
		hub := NewMemoryHub("example.com")
		c := newTestConn(t, hub, log, 0)
		disconnectCh := make(chan error, 1)
		require.NoError(t, c.On(DisconnectEvent, func(ctx any) error {
			disconnectCh <- ctx.(error)
			return nil
		}))

		_, err := c.Connect(context.Background(), JoinOptions{RoomName: "room1", JoinAsSpot: true, Retry: true})
		require.NoError(t, err)

		require.False(t, hub.RoomError(testRoomJID+"/nobody", xmpp.ConditionServiceUnavail))
		require.True(t, hub.RoomError(c.RoomFullJID(), xmpp.ConditionServiceUnavail))

		err = recv(t, disconnectCh)
		require.Equal(t, KindTransport, KindOf(err))
		require.True(t, IsRetryable(err))
		var rerr *Error
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, xmpp.ConditionServiceUnavail, rerr.Condition)
		require.Equal(t, StateReconnecting, c.State())

		_, err = c.Connect(context.Background(), c.Options())
		require.NoError(t, err)
		require.Equal(t, StateConnected, c.State())
	})

	t.Run("give up", func(t *testing.T) {
		hub := NewMemoryHub("example.com")
		hub.SetDialError(errors.New("down"))
		c := newTestConn(t, hub, log, 0)
		states := stateCh(t, c)

		_, err := c.Connect(context.Background(), JoinOptions{RoomName: "room1", Retry: true})
		require.Error(t, err)
		require.Equal(t, StateReconnecting, c.State())

		c.GiveUp(err)
		require.Equal(t, StateUnrecoverable, c.State())

		recv(t, states)
		recv(t, states)
		change := recv(t, states)
		require.Equal(t, StateReconnecting, change.From)
		require.Equal(t, StateUnrecoverable, change.To)
	})
}
