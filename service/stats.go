// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"net/http"
)

func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	data := newHTTPData()
	defer s.httpAudit("getStats", data, w, r)

	if code, err := s.adminAuth(r); err != nil {
		data.fail(code, err)
		return
	}

	totals, err := s.metrics.Totals()
	if err != nil {
		data.fail(http.StatusInternalServerError, err)
		return
	}

	for name, value := range totals {
		data.resData[name] = value
	}
	data.resData["state"] = s.client.State().String()
}
