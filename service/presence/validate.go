// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package presence

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidKey   = errors.New("invalid status key")
	ErrReservedKey  = errors.New("reserved status key")
	ErrInvalidValue = errors.New("invalid status value")
)

// ValidateKey checks that key can be carried as a presence child element and
// read back as status. Keys are restricted to ASCII names.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if reservedElements[key] {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	if len(key) >= 3 && strings.EqualFold(key[:3], "xml") {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '.'):
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// ValidateValue checks that value is valid XML character data.
func ValidateValue(value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidValue)
	}
	for _, r := range value {
		if !isXMLChar(r) {
			return fmt.Errorf("%w: character %U not allowed", ErrInvalidValue, r)
		}
	}
	return nil
}

func ValidateEntry(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return ValidateValue(value)
}

// Char production of XML 1.0.
func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}
