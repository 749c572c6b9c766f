// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/presence"
	"github.com/mattermost/roomctl/service/room"
	"github.com/mattermost/roomctl/service/xmpp"
)

const maxRequestBodySize = 1 << 20

type CommandRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ScreensharingRequest struct {
	Enable bool `json:"enable"`
}

// keys owned by the client that can't be set through the API.
var reservedStatusKeys = map[presence.Key]bool{
	presence.KeyJoinCode:  true,
	presence.KeyIsSpot:    true,
	presence.KeySpotID:    true,
	presence.KeyTimestamp: true,
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, client.ErrNotSpot), errors.Is(err, client.ErrNotRemote):
		return http.StatusBadRequest
	case errors.Is(err, client.ErrNoSpot):
		return http.StatusConflict
	case errors.Is(err, client.ErrInFlight):
		return http.StatusTooManyRequests
	case errors.Is(err, client.ErrNotConnected):
		return http.StatusServiceUnavailable
	}

	// The spot answered with an error.
	var se *xmpp.StanzaError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}

	switch room.KindOf(err) {
	case room.KindCommandTimeout:
		return http.StatusGatewayTimeout
	case room.KindSpotDisconnected:
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func (s *Service) postCommand(w http.ResponseWriter, r *http.Request) {
	data := newHTTPData()
	defer s.httpAudit("postCommand", data, w, r)

	if code, err := s.adminAuth(r); err != nil {
		data.fail(code, err)
		return
	}

	var req CommandRequest
	if err := decodeBody(w, r, &req); err != nil {
		data.fail(http.StatusBadRequest, err)
		return
	}

	cmdType := envelope.CommandType(req.Type)
	if !cmdType.IsValid() {
		data.fail(http.StatusBadRequest, fmt.Errorf("invalid command type %q", req.Type))
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("{}")
	}

	if cmdType == envelope.CommandGoToMeeting {
		var meeting envelope.GoToMeetingData
		if err := json.Unmarshal(req.Data, &meeting); err != nil {
			data.fail(http.StatusBadRequest, fmt.Errorf("invalid data: %w", err))
			return
		}
		if meeting.MeetingName == "" {
			data.fail(http.StatusBadRequest, fmt.Errorf("invalid MeetingName value: should not be empty"))
			return
		}
		if err := s.client.GoToMeeting(r.Context(), meeting); err != nil {
			data.fail(errorCode(err), err)
		}
		return
	}

	res, err := s.client.SendCommand(r.Context(), cmdType, req.Data)
	if err != nil {
		data.fail(errorCode(err), err)
		return
	}
	if len(res) > 0 {
		data.resData["result"] = res
	}
}

func (s *Service) postStatus(w http.ResponseWriter, r *http.Request) {
	data := newHTTPData()
	defer s.httpAudit("postStatus", data, w, r)

	if code, err := s.adminAuth(r); err != nil {
		data.fail(code, err)
		return
	}

	var req map[string]any
	if err := decodeBody(w, r, &req); err != nil {
		data.fail(http.StatusBadRequest, err)
		return
	}
	if len(req) == 0 {
		data.fail(http.StatusBadRequest, fmt.Errorf("status should not be empty"))
		return
	}

	status := presence.NewStatus()
	for k, v := range req {
		if reservedStatusKeys[presence.Key(k)] {
			data.fail(http.StatusBadRequest, fmt.Errorf("key %q can't be set", k))
			return
		}
		if err := status.Set(k, v); err != nil {
			data.fail(http.StatusBadRequest, err)
			return
		}
	}

	if err := s.client.UpdateStatus(status); err != nil {
		data.fail(errorCode(err), err)
		return
	}

	data.resData["status"] = s.status().Spot.Status
}

func (s *Service) getJoinCode(w http.ResponseWriter, r *http.Request) {
	data := newHTTPData()
	defer s.httpAudit("getJoinCode", data, w, r)

	if code, err := s.adminAuth(r); err != nil {
		data.fail(code, err)
		return
	}

	if !s.cfg.Session.JoinAsSpot {
		data.fail(http.StatusBadRequest, client.ErrNotSpot)
		return
	}

	data.resData["joinCode"] = s.client.JoinCode()
}

func (s *Service) refreshJoinCode(w http.ResponseWriter, r *http.Request) {
	data := newHTTPData()
	defer s.httpAudit("refreshJoinCode", data, w, r)

	if code, err := s.adminAuth(r); err != nil {
		data.fail(code, err)
		return
	}

	joinCode, err := s.client.RefreshJoinCode(r.Context())
	if err != nil {
		data.fail(errorCode(err), err)
		return
	}

	data.resData["joinCode"] = joinCode
}

func (s *Service) postScreensharing(w http.ResponseWriter, r *http.Request) {
	data := newHTTPData()
	defer s.httpAudit("postScreensharing", data, w, r)

	if code, err := s.adminAuth(r); err != nil {
		data.fail(code, err)
		return
	}

	var req ScreensharingRequest
	if err := decodeBody(w, r, &req); err != nil {
		data.fail(http.StatusBadRequest, err)
		return
	}

	if err := s.client.SetWirelessScreensharing(r.Context(), req.Enable); err != nil {
		data.fail(errorCode(err), err)
		return
	}

	data.resData["enable"] = req.Enable
}
