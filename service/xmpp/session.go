// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package xmpp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattermost/roomctl/service/random"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	sessionClosed int32 = iota
	sessionOpen
	sessionClosing
)

const (
	sendChSize       = 256
	receiveChSize    = 256
	connMaxReadBytes = 1024 * 1024 // 1MB
	subprotocol      = "xmpp"
)

// Session is an authenticated and bound XMPP stream carried over a
// WebSocket connection.
type Session struct {
	cfg    Config
	log    mlog.LoggerIFace
	dialer *websocket.Dialer
	ws     *websocket.Conn
	jid    string

	sendCh     chan []byte
	receiveCh  chan *Element
	doneCh     chan struct{}
	readDoneCh chan struct{}
	wg         sync.WaitGroup
	state      int32

	err    error
	errMut sync.Mutex
}

type Option func(s *Session) error

// WithDialer lets the caller provide a custom WebSocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(s *Session) error {
		if dialer == nil {
			return fmt.Errorf("dialer should not be nil")
		}
		s.dialer = dialer
		return nil
	}
}

// Dial opens the WebSocket connection, then authenticates and binds the
// XMPP stream. The context bounds the whole negotiation.
func Dial(ctx context.Context, cfg Config, log mlog.LoggerIFace, opts ...Option) (*Session, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	s := &Session{
		cfg:        cfg,
		log:        log,
		dialer:     websocket.DefaultDialer,
		sendCh:     make(chan []byte, sendChSize),
		receiveCh:  make(chan *Element, receiveChSize),
		doneCh:     make(chan struct{}),
		readDoneCh: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	dialer := *s.dialer
	dialer.Subprotocols = []string{subprotocol}
	ws, _, err := dialer.DialContext(ctx, cfg.WebSocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	s.ws = ws
	s.ws.SetReadLimit(connMaxReadBytes)

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.ws.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		s.ws.Close()
	})

	if err := s.negotiate(); err != nil {
		stop()
		s.ws.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to negotiate stream: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to negotiate stream: %w", err)
	}

	if !stop() {
		return nil, fmt.Errorf("failed to negotiate stream: %w", ctx.Err())
	}
	_ = s.ws.SetReadDeadline(time.Time{})

	s.setState(sessionOpen)
	s.wg.Add(2)
	go s.connReader()
	go s.connWriter()

	s.log.Debug("xmpp: session established", mlog.String("jid", s.jid))

	return s, nil
}

func (s *Session) negotiate() error {
	features, err := s.openStream()
	if err != nil {
		return err
	}

	if !offersMechanism(features, s.cfg.Mechanism) {
		return fmt.Errorf("mechanism %q not offered by server", s.cfg.Mechanism)
	}
	if err := s.authenticate(); err != nil {
		return err
	}

	features, err = s.openStream()
	if err != nil {
		return err
	}
	if features.ChildNS(NSBind, "bind") == nil {
		return fmt.Errorf("server does not support resource binding")
	}
	if err := s.bind(); err != nil {
		return err
	}

	if sess := features.ChildNS(NSSession, "session"); sess != nil && sess.Child("optional") == nil {
		if err := s.startSession(); err != nil {
			return err
		}
	}

	return nil
}

func offersMechanism(features *Element, name Mechanism) bool {
	mechs := features.ChildNS(NSSASL, "mechanisms")
	if mechs == nil {
		return false
	}
	for _, m := range mechs.Children {
		if m.Name.Local == "mechanism" && m.Text == string(name) {
			return true
		}
	}
	return false
}

func (s *Session) openStream() (*Element, error) {
	open := NewElement(NSFraming, "open").
		SetAttr("to", s.cfg.Domain).
		SetAttr("version", "1.0")
	if err := s.write(open); err != nil {
		return nil, err
	}

	for {
		el, err := s.read()
		if err != nil {
			return nil, err
		}
		switch el.Name.Local {
		case "open":
			continue
		case "features":
			return el, nil
		default:
			return nil, fmt.Errorf("unexpected element %q while opening stream", el.Name.Local)
		}
	}
}

func (s *Session) authenticate() error {
	client, err := newSASLClient(s.cfg)
	if err != nil {
		return err
	}

	more, initial, err := client.Step(nil)
	if err != nil {
		return fmt.Errorf("failed to start sasl: %w", err)
	}

	auth := NewElement(NSSASL, "auth").SetAttr("mechanism", string(s.cfg.Mechanism))
	if len(initial) == 0 {
		auth.SetText("=")
	} else {
		auth.SetText(base64.StdEncoding.EncodeToString(initial))
	}
	if err := s.write(auth); err != nil {
		return err
	}

	for {
		el, err := s.read()
		if err != nil {
			return err
		}
		switch el.Name.Local {
		case "challenge":
			data, err := decodeSASLPayload(el.Text)
			if err != nil {
				return err
			}
			var resp []byte
			more, resp, err = client.Step(data)
			if err != nil {
				return fmt.Errorf("failed to process challenge: %w", err)
			}
			respEl := NewElement(NSSASL, "response").SetText(base64.StdEncoding.EncodeToString(resp))
			if err := s.write(respEl); err != nil {
				return err
			}
		case "success":
			if !more {
				return nil
			}
			// The server signature comes along with success.
			data, err := decodeSASLPayload(el.Text)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return fmt.Errorf("%w: missing server verification", ErrAuthFailed)
			}
			if _, _, err := client.Step(data); err != nil {
				return fmt.Errorf("%w: %s", ErrAuthFailed, err.Error())
			}
			return nil
		case "failure":
			condition := "unknown"
			if len(el.Children) > 0 {
				condition = el.Children[0].Name.Local
			}
			return fmt.Errorf("%w: %s", ErrAuthFailed, condition)
		default:
			return fmt.Errorf("unexpected element %q during authentication", el.Name.Local)
		}
	}
}

func decodeSASLPayload(text string) ([]byte, error) {
	if text == "" || text == "=" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sasl payload: %w", err)
	}
	return data, nil
}

func (s *Session) bind() error {
	iq := NewIQ(random.NewID(), "", IQSet)
	bind := iq.AddChild(NewElement(NSBind, "bind"))
	if s.cfg.Resource != "" {
		bind.AddChild(NewElement("", "resource").SetText(s.cfg.Resource))
	}

	res, err := s.roundTrip(iq)
	if err != nil {
		return fmt.Errorf("failed to bind resource: %w", err)
	}

	bindRes := res.Child("bind")
	if bindRes == nil || bindRes.Child("jid") == nil || bindRes.Child("jid").Text == "" {
		return fmt.Errorf("failed to bind resource: missing jid")
	}
	s.jid = bindRes.Child("jid").Text

	return nil
}

func (s *Session) startSession() error {
	iq := NewIQ(random.NewID(), "", IQSet)
	iq.AddChild(NewElement(NSSession, "session"))
	if _, err := s.roundTrip(iq); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// roundTrip is only used during negotiation, before the reader goroutine
// takes ownership of the connection.
func (s *Session) roundTrip(iq *Element) (*Element, error) {
	if err := s.write(iq); err != nil {
		return nil, err
	}
	for {
		el, err := s.read()
		if err != nil {
			return nil, err
		}
		if el.Name.Local != "iq" || el.ID() != iq.ID() {
			continue
		}
		if el.Type() == IQError {
			if se := ParseStanzaError(el); se != nil {
				return nil, se
			}
			return nil, fmt.Errorf("unexpected iq error")
		}
		return el, nil
	}
}

func (s *Session) write(el *Element) error {
	return s.writeRaw(el.Bytes())
}

func (s *Session) writeRaw(data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *Session) read() (*Element, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	el, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if el.Name.Local == "close" {
		return nil, ErrStreamClose
	}
	return el, nil
}

func (s *Session) connReader() {
	defer func() {
		close(s.readDoneCh)
		close(s.receiveCh)
		s.setState(sessionClosed)
		s.wg.Done()
	}()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.getState() == sessionOpen {
				s.setErr(fmt.Errorf("failed to read message: %w", err))
			}
			return
		}

		el, err := Parse(data)
		if err != nil {
			s.log.Warn("xmpp: dropping malformed stanza", mlog.Err(err), mlog.Int("size", len(data)))
			continue
		}

		if el.Name.Local == "close" {
			if s.getState() == sessionOpen {
				s.setErr(ErrStreamClose)
			}
			s.ws.Close()
			return
		}

		select {
		case s.receiveCh <- el:
		case <-s.doneCh:
			return
		}
	}
}

func (s *Session) connWriter() {
	defer s.wg.Done()

	for {
		select {
		case data := <-s.sendCh:
			if err := s.writeRaw(data); err != nil {
				s.setErr(err)
				s.ws.Close()
				return
			}
		case <-s.doneCh:
			closeEl := NewElement(NSFraming, "close")
			if err := s.write(closeEl); err != nil {
				s.log.Debug("xmpp: failed to send close", mlog.Err(err))
			}
			s.ws.Close()
			return
		case <-s.readDoneCh:
			return
		}
	}
}

// JID returns the full jid bound to this session.
func (s *Session) JID() string {
	return s.jid
}

// Send queues a stanza to be written to the stream.
func (s *Session) Send(stanza *Element) error {
	if s.getState() != sessionOpen {
		return fmt.Errorf("failed to send stanza: session is closed")
	}

	select {
	case s.sendCh <- stanza.Bytes():
	default:
		return fmt.Errorf("failed to send stanza: channel is full")
	}
	return nil
}

// ReceiveCh returns a channel delivering inbound stanzas. The channel is
// closed when the session ends.
func (s *Session) ReceiveCh() <-chan *Element {
	return s.receiveCh
}

// Err returns the reason the session ended, if it was not closed locally.
func (s *Session) Err() error {
	s.errMut.Lock()
	defer s.errMut.Unlock()
	return s.err
}

// Close ends the stream and closes the underlying WebSocket connection.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.state, sessionOpen, sessionClosing) {
		s.wg.Wait()
		return nil
	}
	close(s.doneCh)
	s.wg.Wait()
	return nil
}

func (s *Session) setErr(err error) {
	s.errMut.Lock()
	defer s.errMut.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) setState(st int32) {
	atomic.StoreInt32(&s.state, st)
}

func (s *Session) getState() int32 {
	return atomic.LoadInt32(&s.state)
}
