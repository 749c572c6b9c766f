// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateUnrecoverable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// canConnect tells whether a new connection attempt may start from s.
func (s State) canConnect() bool {
	switch s {
	case StateDisconnected, StateReconnecting, StateUnrecoverable:
		return true
	default:
		return false
	}
}
