// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// CodePartLength is the length of both halves of a join code.
	CodePartLength = 3
	// JoinCodeLength is the length of a full join code (room name + lock).
	JoinCodeLength = 2 * CodePartLength

	codeCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// NewCode returns a random lowercase alphanumeric string of the given length.
func NewCode(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	max := big.NewInt(int64(len(codeCharset)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random index: %w", err)
		}
		sb.WriteByte(codeCharset[n.Int64()])
	}
	return sb.String(), nil
}

// NewLock returns a new random room lock.
func NewLock() (string, error) {
	return NewCode(CodePartLength)
}

// JoinCode composes the join code advertised for a room.
func JoinCode(roomName, lock string) string {
	return roomName + lock
}

// SplitJoinCode splits a join code as entered by a user into the
// room name and lock it maps to.
func SplitJoinCode(code string) (roomName, lock string, err error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) != JoinCodeLength {
		return "", "", fmt.Errorf("invalid join code length %d", len(code))
	}
	return code[:CodePartLength], code[CodePartLength:], nil
}

// NewSecureString returns a URL safe random string of the given length,
// carrying 6 bits of entropy per character. It never contains a comma
// and is suitable as a SASL nonce.
func NewSecureString(length int) (string, error) {
	buf := make([]byte, base64.RawURLEncoding.DecodedLen(length)+1)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to read random data: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}
