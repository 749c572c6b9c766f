// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"net/http"
	"runtime"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

func TestGetSystem(t *testing.T) {
	th := SetupTestHelper(t, nil)
	defer th.Teardown()

	t.Run("invalid method", func(t *testing.T) {
		resp, err := http.Post(th.apiURL+"/system", "", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("valid response", func(t *testing.T) {
		if th.srvc.proc == nil {
			t.Skip("procfs is not available")
		}
		resp, err := http.Get(th.apiURL + "/system")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		defer resp.Body.Close()
		var info SystemInfo
		err = json.NewDecoder(resp.Body).Decode(&info)
		require.NoError(t, err)
		require.GreaterOrEqual(t, info.CPULoad, 0.0)
		require.LessOrEqual(t, info.CPULoad, 1.0)
		require.Equal(t, runtime.NumCPU(), info.NumCPU)
		require.Greater(t, info.MemoryRSS, 0)
	})
}

func TestCPULoad(t *testing.T) {
	st1 := procfs.CPUStat{User: 10, System: 5, Idle: 80, Iowait: 5}

	t.Run("half busy", func(t *testing.T) {
		st2 := procfs.CPUStat{User: 15, System: 10, Idle: 85, Iowait: 10}
		require.InDelta(t, 0.5, cpuLoad(st1, st2), 0.0001)
	})

	t.Run("idle", func(t *testing.T) {
		st2 := procfs.CPUStat{User: 10, System: 5, Idle: 90, Iowait: 5}
		require.Zero(t, cpuLoad(st1, st2))
	})

	t.Run("no progress", func(t *testing.T) {
		require.Zero(t, cpuLoad(st1, st1))
	})
}
