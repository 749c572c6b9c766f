// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mattermost/roomctl/client"
	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/presence"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type StatusInfo struct {
	Role         client.Role `json:"role"`
	State        string      `json:"state"`
	Reconnecting bool        `json:"reconnecting"`
	JID          string      `json:"jid,omitempty"`
	// Spot is the advertised status for a Spot-TV or the last known state
	// of the Spot-TV for a Spot-Remote.
	Spot *SpotStateData `json:"spot,omitempty"`
}

func (s *Service) status() StatusInfo {
	info := StatusInfo{
		Role:         s.role(),
		State:        s.client.State().String(),
		Reconnecting: s.client.IsReconnecting(),
		JID:          s.client.RoomFullJID(),
	}

	if s.cfg.Session.JoinAsSpot {
		st := s.client.Status().Map()
		// The join code is only handed out to admins.
		delete(st, string(presence.KeyJoinCode))
		info.Spot = &SpotStateData{SpotID: info.JID, Status: st}
	} else if st, ok := s.client.SpotState(); ok {
		info.Spot = &SpotStateData{SpotID: st.SpotID, Status: st.Status.Map()}
	}

	return info
}

func (s *Service) getStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.log.Error("failed to encode data", mlog.Err(err))
	}
}

func unmarshalCommandData(cmd client.Command, v any) error {
	if len(cmd.Data) == 0 {
		return fmt.Errorf("missing data for command %q", cmd.Type)
	}
	if err := json.Unmarshal(cmd.Data, v); err != nil {
		return fmt.Errorf("invalid data for command %q: %w", cmd.Type, err)
	}
	return nil
}

// applyCommand reflects a command received by a Spot-TV in its advertised
// status. An error is sent back to the sender.
func (s *Service) applyCommand(cmd client.Command) error {
	if !s.cfg.Session.JoinAsSpot {
		return nil
	}

	switch envelope.CommandType(cmd.Type) {
	case envelope.CommandSetAudioMute:
		var data envelope.MuteData
		if err := unmarshalCommandData(cmd, &data); err != nil {
			return err
		}
		return s.client.NotifyAudioMuteStatus(data.Mute)
	case envelope.CommandSetVideoMute:
		var data envelope.MuteData
		if err := unmarshalCommandData(cmd, &data); err != nil {
			return err
		}
		return s.client.NotifyVideoMuteStatus(data.Mute)
	case envelope.CommandSetScreensharing:
		var data envelope.ScreensharingData
		if err := unmarshalCommandData(cmd, &data); err != nil {
			return err
		}
		return s.client.NotifyScreensharingStatus(data.On)
	case envelope.CommandGoToMeeting:
		var data envelope.GoToMeetingData
		if err := unmarshalCommandData(cmd, &data); err != nil {
			return err
		}
		if data.MeetingName == "" {
			return fmt.Errorf("invalid MeetingName value: should not be empty")
		}
		return s.client.NotifyInMeetingStatus(data.MeetingName)
	case envelope.CommandHangUp:
		return s.client.NotifyInMeetingStatus("")
	case envelope.CommandSubmitFeedback:
		var data envelope.FeedbackData
		if err := unmarshalCommandData(cmd, &data); err != nil {
			return err
		}
		s.log.Info("roomctl: feedback received", mlog.String("from", cmd.From), mlog.Int("score", data.Score))
		return nil
	default:
		return fmt.Errorf("unsupported command %q", cmd.Type)
	}
}
