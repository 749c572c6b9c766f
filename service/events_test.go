// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/service/room"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (th *TestHelper) dialEvents(authKey string) (*websocket.Conn, *http.Response, error) {
	th.tb.Helper()
	header := http.Header{}
	if authKey != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+authKey)))
	}
	wsURL := "ws" + strings.TrimPrefix(th.apiURL, "http") + "/events"
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func waitEvent(t *testing.T, ws *websocket.Conn, eventType string) testEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var ev testEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == eventType {
			return ev
		}
	}
}

func TestEvents(t *testing.T) {
	th := SetupTestHelper(t, nil)
	defer th.Teardown()

	t.Run("unauthorized", func(t *testing.T) {
		ws, resp, err := th.dialEvents("")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Nil(t, ws)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()

		ws, resp, err = th.dialEvents("wrong_key")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Nil(t, ws)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	ws, _, err := th.dialEvents(testAdminKey)
	require.NoError(t, err)
	defer ws.Close()

	t.Run("snapshot", func(t *testing.T) {
		ev := waitEvent(t, ws, EventTypeSnapshot)
		var info StatusInfo
		require.NoError(t, json.Unmarshal(ev.Data, &info))
		require.Equal(t, client.RoleSpotTV, info.Role)
		require.Equal(t, "connected", info.State)
		require.NotNil(t, info.Spot)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
		waitEvent(t, ws, EventTypePong)
	})

	t.Run("join code change", func(t *testing.T) {
		code, res := th.adminRequest(http.MethodPost, "/joincode/refresh", nil)
		require.Equal(t, http.StatusOK, code)

		ev := waitEvent(t, ws, string(client.JoinCodeChangeEvent))
		var data JoinCodeData
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		require.Equal(t, res["joinCode"], data.JoinCode)
	})

	t.Run("command", func(t *testing.T) {
		remote := th.newRemote()
		defer remote.Disconnect()

		require.NoError(t, remote.SetVideoMute(context.Background(), true))

		ev := waitEvent(t, ws, string(client.CommandEvent))
		var data CommandData
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		require.Equal(t, "setVideoMute", data.Type)
		require.Equal(t, remote.RoomFullJID(), data.From)
		require.JSONEq(t, `{"mute":true}`, string(data.Data))
		require.False(t, data.ViaDataChannel)

		remote.Disconnect()
		ev = waitEvent(t, ws, string(client.RemoteLeftEvent))
		var left RemoteLeftData
		require.NoError(t, json.Unmarshal(ev.Data, &left))
		require.NotEmpty(t, left.JID)
	})
}

func TestEventData(t *testing.T) {
	t.Run("state change", func(t *testing.T) {
		data, err := eventData(client.StateChangeEvent, room.StateChange{
			From: room.StateConnecting,
			To:   room.StateUnrecoverable,
			Err:  errors.New("boom"),
		})
		require.NoError(t, err)
		require.Equal(t, StateChangeData{From: "connecting", To: "unrecoverable", Error: "boom"}, data)
	})

	t.Run("disconnect", func(t *testing.T) {
		data, err := eventData(client.DisconnectEvent, room.NewError(room.KindNotAuthorized, errors.New("wrong lock")))
		require.NoError(t, err)
		dd, ok := data.(DisconnectData)
		require.True(t, ok)
		require.Equal(t, "not_authorized", dd.Kind)
		require.NotEmpty(t, dd.Error)
	})

	t.Run("screensharing", func(t *testing.T) {
		data, err := eventData(client.WirelessScreensharingEvent, client.WirelessScreensharingState{
			RemoteAddress: "room1@conference.example.com/remote",
			Active:        true,
		})
		require.NoError(t, err)
		require.Equal(t, ScreensharingData{RemoteAddress: "room1@conference.example.com/remote", Active: true}, data)
	})

	t.Run("command bridge", func(t *testing.T) {
		data, err := eventData(client.CommandBridgeEvent, client.CommandBridgeState{
			RemoteAddress: "room1@conference.example.com/tv",
		})
		require.NoError(t, err)
		require.Equal(t, CommandBridgeData{RemoteAddress: "room1@conference.example.com/tv"}, data)
	})

	t.Run("unexpected", func(t *testing.T) {
		_, err := eventData(client.SpotStateEvent, "not a state")
		require.EqualError(t, err, "unexpected data for event SpotState: string")
	})
}
