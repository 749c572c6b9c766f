// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type HandleFunc func(http.ResponseWriter, *http.Request)

// RegisterHandleFunc registers hf for requests matching both method and
// path. Requests to path with any other method get a 405.
func (s *Server) RegisterHandleFunc(method, path string, hf HandleFunc) {
	s.mux.Handle(method+" "+path, s.recoverer(http.HandlerFunc(hf)))
}

// RegisterHandler registers handler for the given mux pattern. The pattern
// may carry a method prefix (e.g. "GET /metrics").
func (s *Server) RegisterHandler(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, s.recoverer(handler))
}

// recoverer converts handler panics into 500 responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("api: handler panic",
					mlog.String("method", r.Method),
					mlog.String("path", r.URL.Path),
					mlog.String("panic", fmt.Sprint(v)),
					mlog.String("stack", string(debug.Stack())),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
