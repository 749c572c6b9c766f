// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package envelope

const (
	NSCommand = "jitsi-meet-spot-command"
	NSMessage = "jitsi-meet-spot-message"
)

// CommandType identifies a command. Values are part of the wire contract.
type CommandType string

const (
	CommandGoToMeeting      CommandType = "goToMeeting"
	CommandHangUp           CommandType = "hangup"
	CommandSetAudioMute     CommandType = "setAudioMute"
	CommandSetVideoMute     CommandType = "setVideoMute"
	CommandSetScreensharing CommandType = "setScreensharing"
	CommandSubmitFeedback   CommandType = "submitFeedback"
)

func (c CommandType) IsValid() bool {
	switch c {
	case CommandGoToMeeting,
		CommandHangUp,
		CommandSetAudioMute, CommandSetVideoMute,
		CommandSetScreensharing,
		CommandSubmitFeedback:
		return true
	default:
		return false
	}
}

// MessageType identifies a message. Messages carry free-form data.
type MessageType string

const (
	MessageJitsiMeetUpdate     MessageType = "update-message-from-jitsi-meet"
	MessageRemoteControlUpdate MessageType = "update-message-from-remote-control"
	MessageSpotRemoteLeft      MessageType = "spot-remote-left"
	MessageSpotRemoteProxy     MessageType = "spot-remote-message"
	MessageP2PSignaling        MessageType = "p2p-signaling"
)

func (m MessageType) IsValid() bool {
	switch m {
	case MessageJitsiMeetUpdate, MessageRemoteControlUpdate,
		MessageSpotRemoteLeft, MessageSpotRemoteProxy,
		MessageP2PSignaling:
		return true
	default:
		return false
	}
}

type GoToMeetingData struct {
	MeetingName            string `json:"meetingName"`
	MeetingDisplayName     string `json:"meetingDisplayName,omitempty"`
	StartWithScreensharing bool   `json:"startWithScreensharing,omitempty"`
	StartWithVideoMuted    bool   `json:"startWithVideoMuted,omitempty"`
}

type HangUpData struct {
	SkipFeedback bool `json:"skipFeedback"`
}

type MuteData struct {
	Mute bool `json:"mute"`
}

type ScreensharingData struct {
	On bool `json:"on"`
}

type FeedbackData struct {
	Score             int    `json:"score"`
	Message           string `json:"message,omitempty"`
	RequestedMoreInfo bool   `json:"requestedMoreInfo,omitempty"`
}
