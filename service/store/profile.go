// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package store

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	profileKeyPrefix  = "profile:"
	joinCodeKeyPrefix = "joincode:"
)

// Profile holds what's needed to join a room again after a restart.
type Profile struct {
	RoomName  string `msgpack:"room"`
	Lock      string `msgpack:"lock,omitempty"`
	JoinCode  string `msgpack:"join_code,omitempty"`
	SpotID    string `msgpack:"spot_id,omitempty"`
	UpdatedAt int64  `msgpack:"updated_at"`
}

func ProfileKey(role string) string {
	return profileKeyPrefix + role
}

// JoinCodeKey returns the key under which a join code is indexed. Join
// codes are case insensitive.
func JoinCodeKey(code string) string {
	return joinCodeKeyPrefix + strings.ToLower(code)
}

func encodeProfile(p Profile) ([]byte, error) {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile: %w", err)
	}
	return data, nil
}

func decodeProfile(data []byte) (Profile, error) {
	var p Profile
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return p, nil
}

func SaveProfile(s Store, role string, p Profile) error {
	data, err := encodeProfile(p)
	if err != nil {
		return err
	}
	return s.Set(ProfileKey(role), data)
}

func LoadProfile(s Store, role string) (Profile, error) {
	data, err := s.Get(ProfileKey(role))
	if err != nil {
		return Profile{}, err
	}
	return decodeProfile(data)
}

func DeleteProfile(s Store, role string) error {
	return s.Delete(ProfileKey(role))
}

// ReserveJoinCode indexes p under code. It fails with ErrConflict if the
// code is already taken.
func ReserveJoinCode(s Store, code string, p Profile) error {
	if code == "" {
		return ErrEmptyKey
	}
	data, err := encodeProfile(p)
	if err != nil {
		return err
	}
	return s.Put(JoinCodeKey(code), data)
}

func LookupJoinCode(s Store, code string) (Profile, error) {
	if code == "" {
		return Profile{}, ErrEmptyKey
	}
	data, err := s.Get(JoinCodeKey(code))
	if err != nil {
		return Profile{}, err
	}
	return decodeProfile(data)
}

func ReleaseJoinCode(s Store, code string) error {
	if code == "" {
		return ErrEmptyKey
	}
	return s.Delete(JoinCodeKey(code))
}

// JoinCodes returns all the indexed join codes.
func JoinCodes(s Store) ([]string, error) {
	keys, err := s.Keys(joinCodeKeyPrefix)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(keys))
	for _, k := range keys {
		codes = append(codes, strings.TrimPrefix(k, joinCodeKeyPrefix))
	}
	return codes, nil
}
