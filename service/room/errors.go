// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/xmpp"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrDisconnected     = errors.New("disconnected")
)

type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindTimeout
	KindNotAuthorized
	KindRoomNotFound
	KindMalformed
	KindCommandTimeout
	KindPeerNegotiation
	KindSpotDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport_failure"
	case KindTimeout:
		return "connection_timeout"
	case KindNotAuthorized:
		return "not_authorized"
	case KindRoomNotFound:
		return "room_not_found"
	case KindMalformed:
		return "malformed_stanza"
	case KindCommandTimeout:
		return "command_timeout"
	case KindPeerNegotiation:
		return "peer_negotiation_failure"
	case KindSpotDisconnected:
		return "spot_disconnected"
	default:
		return "unknown"
	}
}

// Retryable tells whether a connection failure of this kind may be retried
// with the same parameters.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport || k == KindTimeout
}

// Error is a classified failure. Condition holds the XMPP error condition
// when one was received.
type Error struct {
	Kind      ErrorKind
	Condition string
	Err       error
}

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	var msg string
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Condition != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Condition, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or zero if it was never classified.
func KindOf(err error) ErrorKind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return 0
}

// IsRetryable tells whether a connection failure may be retried. Errors
// that were never classified are treated as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	if kind == 0 {
		return !errors.Is(err, context.Canceled)
	}
	return kind.Retryable()
}

// IsFatal tells whether err requires the caller to reset its join state.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindNotAuthorized, KindRoomNotFound, KindSpotDisconnected:
		return true
	default:
		return false
	}
}

func classifyDialError(err error) *Error {
	switch {
	case errors.Is(err, xmpp.ErrAuthFailed):
		return &Error{Kind: KindNotAuthorized, Condition: xmpp.ConditionNotAuthorized, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, err)
	default:
		return NewError(KindTransport, err)
	}
}

func classifyStanzaError(se *xmpp.StanzaError) *Error {
	if se == nil {
		return NewError(KindTransport, errors.New("unknown stanza error"))
	}
	e := &Error{Condition: se.Condition, Err: se}
	switch se.Condition {
	case xmpp.ConditionNotAuthorized, xmpp.ConditionForbidden, xmpp.ConditionRegistrationReq:
		e.Kind = KindNotAuthorized
	case xmpp.ConditionItemNotFound:
		e.Kind = KindRoomNotFound
	default:
		e.Kind = KindTransport
	}
	return e
}

func classifyCommandError(err error) error {
	if errors.Is(err, envelope.ErrCommandTimeout) {
		return NewError(KindCommandTimeout, err)
	}
	return err
}
