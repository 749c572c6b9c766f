// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	errAdminDisabled = errors.New("admin API is disabled")
	errInvalidAuth   = errors.New("authentication failed: invalid auth header")
	errUnauthorized  = errors.New("authentication failed: unauthorized")
)

// hashKey generates a hash using the bcrypt.GenerateFromPassword
func hashKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("invalid empty key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// compareKeyHash compares the given hash and key using bcrypt.CompareHashAndPassword
func compareKeyHash(hash string, key string) error {
	if hash == "" {
		return fmt.Errorf("invalid empty hash")
	}
	if key == "" {
		return fmt.Errorf("invalid empty key")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}

// authKey extracts the key from either a basic auth or a bearer
// Authorization header.
func authKey(r *http.Request) (string, bool) {
	if _, key, ok := r.BasicAuth(); ok {
		return key, true
	}
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && key != "" {
		return key, true
	}
	return "", false
}

// adminAuth checks the request carries the admin key. On failure it returns
// the status code to respond with.
func (s *Service) adminAuth(r *http.Request) (int, error) {
	if !s.cfg.API.Security.EnableAdmin {
		return http.StatusForbidden, errAdminDisabled
	}

	key, ok := authKey(r)
	if !ok {
		return http.StatusUnauthorized, errInvalidAuth
	}

	if err := compareKeyHash(s.adminKeyHash, key); err != nil {
		return http.StatusUnauthorized, errUnauthorized
	}

	return http.StatusOK, nil
}

func (s *Service) wsAuthHandler(w http.ResponseWriter, r *http.Request) error {
	if code, err := s.adminAuth(r); err != nil {
		w.WriteHeader(code)
		return err
	}
	return nil
}
