// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package presence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// SchemaVersion identifies the set of known status keys.
const SchemaVersion = 1

type Key string

const (
	KeyAudioMuted                Key = "audioMuted"
	KeyVideoMuted                Key = "videoMuted"
	KeyScreensharing             Key = "screensharing"
	KeyScreensharingType         Key = "screensharingType"
	KeyInMeeting                 Key = "inMeeting"
	KeyWiredScreensharingEnabled Key = "wiredScreensharingEnabled"
	KeyJoinCode                  Key = "joinCode"
	KeyView                      Key = "view"
	KeyCalendar                  Key = "calendar"
	KeySpotID                    Key = "spotId"
	KeyIsSpot                    Key = "isSpot"
	KeyTimestamp                 Key = "timestamp"
	KeyRemoteJoinCode            Key = "remoteJoinCode"
)

func (k Key) IsKnown() bool {
	switch k {
	case KeyAudioMuted, KeyVideoMuted,
		KeyScreensharing, KeyScreensharingType,
		KeyInMeeting,
		KeyWiredScreensharingEnabled,
		KeyJoinCode,
		KeyView,
		KeyCalendar,
		KeySpotID, KeyIsSpot,
		KeyTimestamp,
		KeyRemoteJoinCode:
		return true
	default:
		return false
	}
}

// Status is the full presence status of a participant. Known keys are kept
// apart from unknown ones, which are preserved as-is but not interpreted.
type Status struct {
	known   map[Key]string
	unknown map[string]string
}

func NewStatus() Status {
	return Status{
		known:   make(map[Key]string),
		unknown: make(map[string]string),
	}
}

// FromMap builds a Status out of a flat map. Every entry must pass
// ValidateEntry.
func FromMap(m map[string]string) (Status, error) {
	s := NewStatus()
	for k, v := range m {
		if err := s.SetString(k, v); err != nil {
			return Status{}, err
		}
	}
	return s, nil
}

func (s *Status) init() {
	if s.known == nil {
		s.known = make(map[Key]string)
	}
	if s.unknown == nil {
		s.unknown = make(map[string]string)
	}
}

// SetString stores value under key. Keys that cannot travel as a presence
// child element and values that are not XML character data are rejected.
func (s *Status) SetString(key, value string) error {
	if err := ValidateEntry(key, value); err != nil {
		return err
	}
	s.set(key, value)
	return nil
}

func (s *Status) SetBool(key string, value bool) error {
	return s.SetString(key, strconv.FormatBool(value))
}

func (s *Status) set(key, value string) {
	s.init()
	if k := Key(key); k.IsKnown() {
		s.known[k] = value
		return
	}
	s.unknown[key] = value
}

// SetJSON stores the JSON encoding of value under key.
func (s *Status) SetJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return s.SetString(key, string(data))
}

// Set stores value under key normalizing it to its string form. Booleans
// are encoded as "true" or "false".
func (s *Status) Set(key string, value any) error {
	switch v := value.(type) {
	case string:
		return s.SetString(key, v)
	case bool:
		return s.SetBool(key, v)
	case int:
		return s.SetString(key, strconv.Itoa(v))
	case int64:
		return s.SetString(key, strconv.FormatInt(v, 10))
	case fmt.Stringer:
		return s.SetString(key, v.String())
	default:
		return s.SetJSON(key, v)
	}
}

func (s Status) Get(key string) (string, bool) {
	if k := Key(key); k.IsKnown() {
		v, ok := s.known[k]
		return v, ok
	}
	v, ok := s.unknown[key]
	return v, ok
}

// Value returns the value for key, or an empty string if missing.
func (s Status) Value(key Key) string {
	v, _ := s.Get(string(key))
	return v
}

// Bool returns the boolean value for key. The second return value is false
// if the key is missing or not a boolean.
func (s Status) Bool(key Key) (bool, bool) {
	v, ok := s.Get(string(key))
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func (s *Status) Delete(key string) {
	if k := Key(key); k.IsKnown() {
		delete(s.known, k)
		return
	}
	delete(s.unknown, key)
}

func (s Status) Len() int {
	return len(s.known) + len(s.unknown)
}

// Known returns a copy of the interpreted keys.
func (s Status) Known() map[Key]string {
	m := make(map[Key]string, len(s.known))
	for k, v := range s.known {
		m[k] = v
	}
	return m
}

// Unknown returns a copy of the passthrough keys.
func (s Status) Unknown() map[string]string {
	m := make(map[string]string, len(s.unknown))
	for k, v := range s.unknown {
		m[k] = v
	}
	return m
}

// Map flattens the status into a single map.
func (s Status) Map() map[string]string {
	m := make(map[string]string, s.Len())
	for k, v := range s.known {
		m[string(k)] = v
	}
	for k, v := range s.unknown {
		m[k] = v
	}
	return m
}

func (s Status) Clone() Status {
	c := NewStatus()
	c.Merge(s)
	return c
}

// Merge overwrites the keys in s with the ones in other.
func (s *Status) Merge(other Status) {
	for k, v := range other.Map() {
		s.set(k, v)
	}
}

func (s Status) keys() []string {
	keys := make([]string, 0, s.Len())
	for k := range s.known {
		keys = append(keys, string(k))
	}
	for k := range s.unknown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
