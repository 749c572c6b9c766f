// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package dc

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Message structure is flat.
// The byte in front of the buffer identifies the type of message (MessageType).
// The remaining data (if present) constitutes the payload (e.g. MessageCommand).

type MessageType uint8

const (
	MessageTypePing    MessageType = iota + 1 // no payload
	MessageTypePong                           // no payload
	MessageTypeCommand                        // MessageCommand
	MessageTypeAck                            // MessageAck
	MessageTypeStatus                         // MessageStatus
)

// MessageCommand is a remote control command sent over the data channel.
// Data holds the JSON payload, zlib compressed on the wire.
type MessageCommand struct {
	RequestID string `msgpack:"id"`
	Command   string `msgpack:"cmd"`
	Data      []byte `msgpack:"data"`
}

// MessageAck acknowledges a MessageCommand.
type MessageAck struct {
	RequestID string `msgpack:"id"`
}

// MessageStatus carries a full presence status snapshot.
type MessageStatus map[string]string

func unpackData(data []byte) ([]byte, error) {
	rd, err := zlib.NewReader(bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib reader: %w", err)
	}
	unpacked, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read zlib data: %w", err)
	}
	return unpacked, nil
}

func packData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	wr := zlib.NewWriter(&buf)
	_, err := wr.Write(data)
	if err != nil {
		return nil, fmt.Errorf("failed to write zlib data: %w", err)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

func EncodeMessage(mt MessageType, payload any) ([]byte, error) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	var buf bytes.Buffer
	enc.ResetWriter(&buf)

	var err error
	// payload is optional
	if payload != nil {
		if cmd, ok := payload.(MessageCommand); ok && len(cmd.Data) > 0 {
			cmd.Data, err = packData(cmd.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to pack payload: %w", err)
			}
			payload = cmd
		}

		err = enc.EncodeMulti(mt, payload)
	} else {
		err = enc.EncodeUint8(uint8(mt))
	}

	return buf.Bytes(), err
}

func DecodeMessage(msg []byte) (MessageType, any, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.ResetReader(bytes.NewReader(msg))

	// Decode MessageType
	t, err := dec.DecodeUint8()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decode dc message type: %w", err)
	}

	// Decode payload (if needed)
	switch MessageType(t) {
	case MessageTypePing:
		return MessageTypePing, nil, nil
	case MessageTypePong:
		return MessageTypePong, nil, nil
	case MessageTypeCommand:
		var payload MessageCommand
		if err := dec.Decode(&payload); err != nil {
			return 0, nil, fmt.Errorf("failed to decode command message: %w", err)
		}
		if len(payload.Data) > 0 {
			payload.Data, err = unpackData(payload.Data)
			if err != nil {
				return 0, nil, fmt.Errorf("failed to unpack command data: %w", err)
			}
		}
		return MessageTypeCommand, payload, nil
	case MessageTypeAck:
		var payload MessageAck
		if err := dec.Decode(&payload); err != nil {
			return 0, nil, fmt.Errorf("failed to decode ack message: %w", err)
		}
		return MessageTypeAck, payload, nil
	case MessageTypeStatus:
		var payload MessageStatus
		if err := dec.Decode(&payload); err != nil {
			return 0, nil, fmt.Errorf("failed to decode status message: %w", err)
		}
		return MessageTypeStatus, payload, nil
	}

	return 0, nil, fmt.Errorf("unexpected dc message type: %d", t)
}
