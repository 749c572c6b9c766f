// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"encoding/base32"

	"github.com/pborman/uuid"
)

// IDLength is the length of identifiers returned by NewID.
const IDLength = 26

const charset = "ybndrfg8ejkmcpqxot1uwisza345h769"

var encoding = base32.NewEncoding(charset).WithPadding(base32.NoPadding)

// NewID returns a z-base-32 encoded UUIDv4, used for stanza ids,
// command correlation and connection ids.
func NewID() string {
	return encoding.EncodeToString(uuid.NewRandom())
}

// NewShortID returns the first n characters of a new ID. It panics if n
// exceeds IDLength.
func NewShortID(n int) string {
	return NewID()[:n]
}
