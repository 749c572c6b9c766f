// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/roomctl/service/room"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

var ErrMaxAttempts = errors.New("max reconnection attempts exceeded")

// Connector re-establishes a lost connection.
type Connector interface {
	Reconnect(ctx context.Context) error
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) error

func (f ConnectorFunc) Reconnect(ctx context.Context) error {
	return f(ctx)
}

type Metrics interface {
	IncReconnectAttempts(result string)
}

type Option func(s *Supervisor) error

func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) error {
		s.metrics = m
		return nil
	}
}

// WithOnReconnected sets a callback invoked after a successful attempt.
func WithOnReconnected(cb func()) Option {
	return func(s *Supervisor) error {
		s.onReconnected = cb
		return nil
	}
}

// WithOnGiveUp sets a callback invoked with the final error once the
// supervisor stops trying.
func WithOnGiveUp(cb func(err error)) Option {
	return func(s *Supervisor) error {
		s.onGiveUp = cb
		return nil
	}
}

// Supervisor decides whether and when a lost connection is re-established.
// At most one reconnection loop runs at any time.
type Supervisor struct {
	cfg       Config
	connector Connector
	log       mlog.LoggerIFace
	metrics   Metrics

	onReconnected func()
	onGiveUp      func(err error)

	mut      sync.Mutex
	cancel   context.CancelFunc
	loopID   uint64
	attempts int
	wg       sync.WaitGroup
}

func New(cfg Config, connector Connector, log mlog.LoggerIFace, opts ...Option) (*Supervisor, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if connector == nil {
		return nil, fmt.Errorf("invalid connector: should not be nil")
	}

	s := &Supervisor{
		cfg:       cfg,
		connector: connector,
		log:       log,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return s, nil
}

// HandleDisconnect is called when the connection is lost with err. It
// starts a reconnection loop if err is retryable and none is running. It
// returns whether a new loop was started.
func (s *Supervisor) HandleDisconnect(err error) bool {
	if !room.IsRetryable(err) {
		s.log.Info("supervisor: not retrying", mlog.Err(err))
		s.giveUp(err)
		return false
	}

	s.mut.Lock()
	if s.cancel != nil {
		s.mut.Unlock()
		s.log.Warn("supervisor: reconnect requested while already reconnecting")
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopID++
	s.attempts = 0
	s.wg.Add(1)
	id := s.loopID
	s.mut.Unlock()

	go s.run(ctx, id)

	return true
}

// finish marks the loop identified by id as done. Callbacks run after it
// so that they may trigger a new loop.
func (s *Supervisor) finish(id uint64) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.loopID == id && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Supervisor) run(ctx context.Context, id uint64) {
	defer func() {
		s.finish(id)
		s.wg.Done()
	}()

	policy := s.cfg.NewBackOff()
	for attempt := 0; ; attempt++ {
		delay := policy.NextBackOff()
		s.log.Debug("supervisor: waiting before reconnecting",
			mlog.Int("attempt", attempt+1), mlog.String("delay", delay.String()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mut.Lock()
		s.attempts++
		s.mut.Unlock()

		err := s.connector.Reconnect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.incAttempts("success")
			s.log.Info("supervisor: reconnected", mlog.Int("attempt", attempt+1))
			s.finish(id)
			if s.onReconnected != nil {
				s.onReconnected()
			}
			return
		}

		s.incAttempts("failure")
		s.log.Warn("supervisor: reconnection attempt failed", mlog.Int("attempt", attempt+1), mlog.Err(err))

		if !room.IsRetryable(err) {
			s.finish(id)
			s.giveUp(err)
			return
		}
		if s.cfg.MaxAttempts > 0 && attempt+1 >= s.cfg.MaxAttempts {
			s.finish(id)
			s.giveUp(fmt.Errorf("%w (%d): %w", ErrMaxAttempts, s.cfg.MaxAttempts, err))
			return
		}
	}
}

func (s *Supervisor) giveUp(err error) {
	if s.onGiveUp != nil {
		s.onGiveUp(err)
	}
}

func (s *Supervisor) incAttempts(result string) {
	if s.metrics != nil {
		s.metrics.IncReconnectAttempts(result)
	}
}

// IsReconnecting tells whether a reconnection loop is running.
func (s *Supervisor) IsReconnecting() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.cancel != nil
}

// Attempts returns the number of attempts made by the current or last loop.
func (s *Supervisor) Attempts() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.attempts
}

// Stop cancels any running reconnection loop and waits for it to exit. It
// must not be called from the supervisor callbacks.
func (s *Supervisor) Stop() {
	s.mut.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mut.Unlock()
	s.wg.Wait()
}
