// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.1,
		MaxAttempts:  3,
	}
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		require.NoError(t, cfg.IsValid())
		require.Equal(t, time.Second, cfg.InitialDelay)
		require.Equal(t, time.Minute, cfg.MaxDelay)
		require.Equal(t, 2.0, cfg.Multiplier)
		require.Equal(t, 0.25, cfg.Jitter)
		require.Zero(t, cfg.MaxAttempts)
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := testConfig()
		cfg.Jitter = 1
		require.EqualError(t, cfg.IsValid(), "invalid Jitter value: should be in [0, 1)")
		cfg = testConfig()
		cfg.MaxDelay = time.Millisecond
		require.EqualError(t, cfg.IsValid(), "invalid MaxDelay value: should not be lower than InitialDelay")
		cfg = testConfig()
		cfg.Multiplier = 0.5
		require.EqualError(t, cfg.IsValid(), "invalid Multiplier value: should be at least 1")
	})

	t.Run("delay", func(t *testing.T) {
		cfg := Config{
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		}
		b := cfg.NewBackOff()
		expected := []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 32 * time.Second, time.Minute, time.Minute,
		}
		for _, d := range expected {
			require.Equal(t, d, b.NextBackOff())
		}
		// Never gives up on its own.
		for i := 0; i < 100; i++ {
			require.Equal(t, time.Minute, b.NextBackOff())
		}

		cfg.Jitter = 0.25
		for i := 0; i < 100; i++ {
			b := cfg.NewBackOff()
			for j := 0; j < 3; j++ {
				b.NextBackOff()
			}
			d := b.NextBackOff()
			require.GreaterOrEqual(t, d, 6*time.Second)
			require.LessOrEqual(t, d, 10*time.Second)
		}
	})
}

func TestSupervisor(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		err := log.Shutdown()
		require.NoError(t, err)
	}()

	transportErr := room.NewError(room.KindTransport, errors.New("connection refused"))

	t.Run("reconnects after failures", func(t *testing.T) {
		var calls atomic.Int32
		connector := ConnectorFunc(func(_ context.Context) error {
			if calls.Add(1) < 3 {
				return transportErr
			}
			return nil
		})
		doneCh := make(chan struct{})
		s, err := New(testConfig(), connector, log, WithOnReconnected(func() {
			close(doneCh)
		}), WithOnGiveUp(func(err error) {
			require.Fail(t, "unexpected give up", err.Error())
		}))
		require.NoError(t, err)
		defer s.Stop()

		require.True(t, s.HandleDisconnect(transportErr))
		require.False(t, s.HandleDisconnect(transportErr))

		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for reconnection")
		}
		s.Stop()
		require.Equal(t, int32(3), calls.Load())
		require.Equal(t, 3, s.Attempts())
		require.False(t, s.IsReconnecting())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		connector := ConnectorFunc(func(_ context.Context) error {
			calls.Add(1)
			return transportErr
		})
		errCh := make(chan error, 1)
		s, err := New(testConfig(), connector, log, WithOnGiveUp(func(err error) {
			errCh <- err
		}))
		require.NoError(t, err)
		defer s.Stop()

		require.True(t, s.HandleDisconnect(transportErr))

		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrMaxAttempts)
			require.Equal(t, room.KindTransport, room.KindOf(err))
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for give up")
		}
		s.Stop()
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("fatal error stops immediately", func(t *testing.T) {
		var calls atomic.Int32
		fatal := room.NewError(room.KindNotAuthorized, errors.New("wrong lock"))
		connector := ConnectorFunc(func(_ context.Context) error {
			calls.Add(1)
			return fatal
		})
		errCh := make(chan error, 2)
		s, err := New(testConfig(), connector, log, WithOnGiveUp(func(err error) {
			errCh <- err
		}))
		require.NoError(t, err)
		defer s.Stop()

		require.False(t, s.HandleDisconnect(fatal))
		require.Equal(t, fatal, <-errCh)
		require.Zero(t, calls.Load())

		require.True(t, s.HandleDisconnect(transportErr))
		select {
		case err := <-errCh:
			require.Equal(t, room.KindNotAuthorized, room.KindOf(err))
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for give up")
		}
		s.Stop()
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("stop cancels", func(t *testing.T) {
		cfg := testConfig()
		cfg.InitialDelay = time.Hour
		cfg.MaxDelay = time.Hour
		s, err := New(cfg, ConnectorFunc(func(_ context.Context) error {
			return nil
		}), log, WithOnReconnected(func() {
			require.Fail(t, "unexpected reconnection")
		}))
		require.NoError(t, err)

		require.True(t, s.HandleDisconnect(transportErr))
		require.True(t, s.IsReconnecting())
		s.Stop()
		require.False(t, s.IsReconnecting())
		require.Zero(t, s.Attempts())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := New(testConfig(), nil, log)
		require.EqualError(t, err, "invalid connector: should not be nil")
		_, err = New(Config{}, ConnectorFunc(func(_ context.Context) error { return nil }), log)
		require.EqualError(t, err, "failed to validate config: invalid InitialDelay value: should be greater than zero")
	})
}
