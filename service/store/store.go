// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package store

import (
	"errors"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrEmptyKey = errors.New("store: empty key")
	ErrConflict = errors.New("store: conflict")
)

// Store is a small persistent key-value store holding session profiles and
// the join codes reserved by this host.
type Store interface {
	// Set stores value at key, overwriting any previous value.
	Set(key string, value []byte) error
	// Put stores value at key only if key doesn't exist yet.
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	// Keys returns all the keys starting with prefix, sorted.
	Keys(prefix string) ([]string, error)
	Close() error
}

// New opens the store at dataSource, creating it if needed. The data files
// are compacted on open since join codes churn on every refresh.
func New(dataSource string) (Store, error) {
	return openBitcask(dataSource)
}
