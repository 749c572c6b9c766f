// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/mattermost/roomctl/service/envelope"
	"github.com/mattermost/roomctl/service/presence"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Set through -ldflags at build time.
var (
	buildVersion string
	buildHash    string
	buildDate    string
)

// ProtocolInfo describes what peers in the room need to agree on.
type ProtocolInfo struct {
	CommandNamespace string `json:"commandNamespace"`
	MessageNamespace string `json:"messageNamespace"`
	StatusSchema     int    `json:"statusSchema"`
}

type VersionInfo struct {
	BuildDate    string       `json:"buildDate"`
	BuildVersion string       `json:"buildVersion"`
	BuildHash    string       `json:"buildHash"`
	GoVersion    string       `json:"goVersion"`
	GoOS         string       `json:"goOS"`
	GoArch       string       `json:"goArch"`
	Protocol     ProtocolInfo `json:"protocol"`
}

// vcsRevision returns the commit recorded by the go toolchain, if any.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

func getVersionInfo() VersionInfo {
	hash := buildHash
	if hash == "" {
		hash = vcsRevision()
	}
	return VersionInfo{
		BuildDate:    buildDate,
		BuildVersion: buildVersion,
		BuildHash:    hash,
		GoVersion:    runtime.Version(),
		GoOS:         runtime.GOOS,
		GoArch:       runtime.GOARCH,
		Protocol: ProtocolInfo{
			CommandNamespace: envelope.NSCommand,
			MessageNamespace: envelope.NSMessage,
			StatusSchema:     presence.SchemaVersion,
		},
	}
}

func (v VersionInfo) logFields() []mlog.Field {
	return []mlog.Field{
		mlog.String("buildVersion", v.BuildVersion),
		mlog.String("buildHash", v.BuildHash),
		mlog.String("goVersion", v.GoVersion),
		mlog.Int("statusSchema", v.Protocol.StatusSchema),
	}
}

func (s *Service) getVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(getVersionInfo()); err != nil {
		s.log.Error("failed to encode version info", mlog.Err(err))
	}
}
