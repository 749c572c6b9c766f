// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"git.mills.io/prologic/bitcask"
)

const (
	maxKeySize   = 256
	maxValueSize = 64 * 1024
)

type bitcaskStore struct {
	mut sync.RWMutex
	db  *bitcask.Bitcask
}

func openBitcask(path string) (*bitcaskStore, error) {
	db, err := bitcask.Open(path,
		bitcask.WithDirFileModeBeforeUmask(0700),
		bitcask.WithFileFileModeBeforeUmask(0600),
		bitcask.WithMaxKeySize(maxKeySize),
		bitcask.WithMaxValueSize(maxValueSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := db.Merge(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to compact store: %w", err)
	}

	return &bitcaskStore{db: db}, nil
}

// update runs fn under the write lock and syncs to disk if it succeeded.
func (s *bitcaskStore) update(key string, fn func(k []byte) error) error {
	if key == "" {
		return ErrEmptyKey
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	if err := fn([]byte(key)); err != nil {
		return err
	}

	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync store: %w", err)
	}

	return nil
}

func (s *bitcaskStore) Set(key string, value []byte) error {
	return s.update(key, func(k []byte) error {
		if err := s.db.Put(k, value); err != nil {
			return fmt.Errorf("failed to set %q: %w", key, err)
		}
		return nil
	})
}

func (s *bitcaskStore) Put(key string, value []byte) error {
	return s.update(key, func(k []byte) error {
		if s.db.Has(k) {
			return ErrConflict
		}
		if err := s.db.Put(k, value); err != nil {
			return fmt.Errorf("failed to put %q: %w", key, err)
		}
		return nil
	})
}

func (s *bitcaskStore) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	s.mut.RLock()
	defer s.mut.RUnlock()

	val, err := s.db.Get([]byte(key))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}

	return val, nil
}

func (s *bitcaskStore) Delete(key string) error {
	return s.update(key, func(k []byte) error {
		if err := s.db.Delete(k); err != nil {
			return fmt.Errorf("failed to delete %q: %w", key, err)
		}
		return nil
	})
}

func (s *bitcaskStore) Keys(prefix string) ([]string, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	var keys []string
	if err := s.db.Scan([]byte(prefix), func(key []byte) error {
		keys = append(keys, string(key))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", prefix, err)
	}
	slices.Sort(keys)

	return keys, nil
}

func (s *bitcaskStore) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	return nil
}
