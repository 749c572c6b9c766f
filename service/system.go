// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/prometheus/procfs"
)

var cpuSampleDuration = time.Second

type SystemInfo struct {
	// CPULoad is the fraction of non idle CPU time over the sample, in [0, 1].
	CPULoad float64 `json:"cpu_load"`
	NumCPU  int     `json:"num_cpu"`
	// MemoryRSS is the resident memory of the process in bytes.
	MemoryRSS int `json:"memory_rss"`
}

func cpuTotal(st procfs.CPUStat) float64 {
	return st.User + st.Nice + st.System + st.Idle + st.Iowait +
		st.IRQ + st.SoftIRQ + st.Steal
}

func cpuLoad(st1, st2 procfs.CPUStat) float64 {
	total := cpuTotal(st2) - cpuTotal(st1)
	if total <= 0 {
		return 0
	}
	idle := (st2.Idle + st2.Iowait) - (st1.Idle + st1.Iowait)
	load := 1 - idle/total
	if load < 0 {
		return 0
	}
	return load
}

func (s *Service) systemInfo() (SystemInfo, error) {
	info := SystemInfo{
		NumCPU: runtime.NumCPU(),
	}

	if s.proc == nil {
		return info, errors.New("procfs is not available")
	}

	st1, err := s.proc.Stat()
	if err != nil {
		return info, fmt.Errorf("failed to get cpu stat: %w", err)
	}
	time.Sleep(cpuSampleDuration)
	st2, err := s.proc.Stat()
	if err != nil {
		return info, fmt.Errorf("failed to get cpu stat: %w", err)
	}
	info.CPULoad = cpuLoad(st1.CPUTotal, st2.CPUTotal)

	self, err := s.proc.Self()
	if err != nil {
		return info, fmt.Errorf("failed to get process: %w", err)
	}
	pst, err := self.Stat()
	if err != nil {
		return info, fmt.Errorf("failed to get process stat: %w", err)
	}
	info.MemoryRSS = pst.ResidentMemory()

	return info, nil
}

func (s *Service) getSystemInfo(w http.ResponseWriter, _ *http.Request) {
	info, err := s.systemInfo()
	if err != nil {
		s.log.Error("failed to get system info", mlog.Err(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&info); err != nil {
		s.log.Error("failed to encode data", mlog.Err(err))
	}
}
