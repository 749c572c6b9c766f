// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/roomctl/service/xmpp"
)

var (
	ErrCommandTimeout = errors.New("command timed out")
	ErrDuplicateID    = errors.New("duplicate request id")
)

type result struct {
	data json.RawMessage
	err  error
}

// Request is a handle to a pending request.
type Request struct {
	id string
	to string
	ch chan result
}

func (r *Request) ID() string {
	return r.id
}

// Tracker correlates outbound requests with their acks. Each request is
// resolved at most once: an ack arriving after the timeout is dropped.
type Tracker struct {
	timeout time.Duration

	mut     sync.Mutex
	pending map[string]*Request
}

func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		timeout: timeout,
		pending: make(map[string]*Request),
	}
}

// Add registers a pending request. to is the jid the ack is expected from,
// it's not checked if empty.
func (t *Tracker) Add(id, to string) (*Request, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if _, ok := t.pending[id]; ok {
		return nil, ErrDuplicateID
	}
	req := &Request{id: id, to: to, ch: make(chan result, 1)}
	t.pending[id] = req
	return req, nil
}

// Remove drops a pending request without resolving it.
func (t *Tracker) Remove(id string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	delete(t.pending, id)
}

// Wait blocks until req is acked, the tracker timeout expires or ctx is
// done.
func (t *Tracker) Wait(ctx context.Context, req *Request) (json.RawMessage, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case res := <-req.ch:
		return res.data, res.err
	case <-timer.C:
		t.Remove(req.id)
		return nil, fmt.Errorf("%w after %s", ErrCommandTimeout, t.timeout)
	case <-ctx.Done():
		t.Remove(req.id)
		return nil, ctx.Err()
	}
}

// Resolve matches an inbound result or error iq against pending requests.
// It returns false if nothing was waiting for it.
func (t *Tracker) Resolve(iq *xmpp.Element) bool {
	id := iq.ID()

	t.mut.Lock()
	req, ok := t.pending[id]
	if !ok || (req.to != "" && iq.From() != "" && req.to != iq.From()) {
		t.mut.Unlock()
		return false
	}
	delete(t.pending, id)
	t.mut.Unlock()

	data, err := ParseAck(iq)
	req.ch <- result{data: data, err: err}

	return true
}

// RejectAll fails every pending request with err.
func (t *Tracker) RejectAll(err error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	for id, req := range t.pending {
		req.ch <- result{err: err}
		delete(t.pending, id)
	}
}

func (t *Tracker) Pending() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.pending)
}
