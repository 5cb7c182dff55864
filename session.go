// Package rofsock is the session layer of a binary, length-prefixed
// request/response protocol with the OpenFlow wire shape. A Session
// reassembles inbound frames from a byte stream, decodes them through a
// version-keyed table, and drains outbound messages from per-class
// priority queues onto its transport.
package rofsock

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidEnvironment is returned when NewSession gets no environment.
var ErrInvalidEnvironment = errors.New("invalid session environment")

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateClosing is entered by an explicit Close until the transport
	// reports the close.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SessionEnvironment is implemented by the owner of a Session. Callbacks
// run on transport goroutines and must not block for long.
type SessionEnvironment interface {
	OnConnected(s *Session)
	OnConnectRefused(s *Session)
	OnClosed(s *Session)
	OnMessage(s *Session, m *Message)
}

var sessionIDs atomic.Uint64

// Session drives one protocol connection. It outlives any number of
// connect / close cycles.
type Session struct {
	id   uint64
	env  SessionEnvironment
	opts options

	mu        sync.Mutex
	transport Transport
	state     atomic.Int32

	readMu sync.Mutex
	reader reassembler

	queues  *QueueSet
	wakeup  chan struct{}
	version atomic.Uint32
	xid     atomic.Uint32
}

// NewSession creates a disconnected session reporting to env.
func NewSession(env SessionEnvironment, opt ...Option) (*Session, error) {
	if env == nil {
		return nil, ErrInvalidEnvironment
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	s := &Session{
		id:     sessionIDs.Add(1),
		env:    env,
		opts:   opts,
		wakeup: make(chan struct{}, 1),
	}
	s.queues = NewQueueSet(opts.classes, s.signal)
	s.version.Store(uint32(opts.version))
	return s, nil
}

// ID returns a process-unique session number for logs.
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Version returns the protocol version of the last decoded inbound
// message with a known schema, or the configured default.
func (s *Session) Version() uint8 {
	return uint8(s.version.Load())
}

// NextXid returns a fresh transaction id for locally originated requests.
func (s *Session) NextXid() uint32 {
	return s.xid.Add(1)
}

// Depth returns how many messages of a class wait to be sent.
func (s *Session) Depth(c PriorityClass) int {
	return s.queues.Depth(c)
}

// Transport returns the attached transport, or nil.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Connect discards the current transport without notifying the
// environment and dials cfg with a new one. The outcome arrives through
// OnConnected or OnConnectRefused.
func (s *Session) Connect(cfg TransportConfig) error {
	t := s.replaceTransport()
	s.setState(StateConnecting)
	if err := t.Connect(cfg); err != nil {
		s.setState(StateDisconnected)
		return errors.Wrap(err, "connect")
	}
	return nil
}

// Accept attaches an already established connection. The session is
// connected when Accept returns.
func (s *Session) Accept(conn net.Conn) error {
	t := s.replaceTransport()
	if err := t.Accept(conn); err != nil {
		s.setState(StateDisconnected)
		return errors.Wrap(err, "accept")
	}
	return nil
}

// Reconnect asks the transport to re-establish its connection. Queued
// messages are kept; they are sent once the transport reports connected.
// A partially read frame from the old connection is dropped.
func (s *Session) Reconnect() error {
	t := s.Transport()
	if t == nil {
		return ErrNotConnected
	}
	s.setState(StateConnecting)
	s.resetInput()
	return t.Reconnect()
}

// Close closes the transport. Queued messages are discarded, not flushed.
func (s *Session) Close() error {
	t := s.Transport()
	if t == nil {
		return nil
	}
	if s.State() == StateConnected {
		s.setState(StateClosing)
	}
	err := t.Close()
	// a dial in progress is aborted without a close report
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
	s.state.CompareAndSwap(int32(StateClosing), int32(StateDisconnected))
	s.resetInput()
	s.discardQueued()
	return err
}

// Enqueue queues m for sending on the class its version and type map to.
// While the transport isn't connected the message is dropped and
// ErrNotConnected returned; nothing is kept for a later connection.
func (s *Session) Enqueue(m *Message) error {
	t := s.Transport()
	if t == nil || !t.IsConnected() {
		s.emit(Event{Kind: EventDropped, Message: m, Depth: 1, Err: ErrNotConnected})
		return ErrNotConnected
	}

	class, ok := s.opts.classifier.Classify(m)
	if !ok {
		err := errors.Wrapf(ErrUnsupportedVersion, "version 0x%02x", m.Version)
		s.emit(Event{Kind: EventDropped, Message: m, Depth: 1, Err: err})
		return err
	}

	depth, err := s.queues.Store(class, m)
	if err != nil {
		s.emit(Event{Kind: EventDropped, Class: class, Message: m, Depth: 1, Err: err})
		return err
	}
	s.emit(Event{Kind: EventQueued, Class: class, Depth: depth, Message: m})
	return nil
}

// Drain runs one drain cycle and returns the number of messages sent.
// It does nothing while the transport is not connected.
func (s *Session) Drain() int {
	t := s.Transport()
	if t == nil || !t.IsConnected() {
		return 0
	}

	sent, _ := s.queues.Drain(func(class PriorityClass, m *Message) error {
		b, err := s.opts.codec.Encode(m)
		if err == nil {
			err = t.Send(b)
		}
		if err != nil {
			s.emit(Event{Kind: EventDropped, Class: class, Message: m, Depth: 1, Err: err})
			return err
		}
		s.emit(Event{Kind: EventSent, Class: class, Depth: s.queues.Depth(class), Message: m})
		return nil
	})
	return sent
}

// Run drains the outbound queues whenever they are signalled and, with a
// heartbeat configured, enqueues echo requests at that interval. It
// blocks until ctx is done, then closes the session.
func (s *Session) Run(ctx context.Context) error {
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.drainLoop(child)
	})

	if s.opts.heartbeat > 0 {
		group.Go(func() error {
			return s.heartbeatLoop(child)
		})
	}

	err := group.Wait()
	_ = s.Close()
	return err
}

func (s *Session) drainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wakeup:
			s.Drain()
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.State() != StateConnected {
				continue
			}
			_ = s.Enqueue(NewEchoRequest(s.Version(), s.NextXid()))
		}
	}
}

// signal schedules a drain. Signals collapse while one is pending.
func (s *Session) signal() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// HandleConnected is called by the transport.
func (s *Session) HandleConnected(t Transport) {
	if !s.isCurrent(t) {
		return
	}
	s.resetInput()
	s.setState(StateConnected)
	s.emit(Event{Kind: EventConnected})
	s.env.OnConnected(s)
	if s.queues.Pending() {
		s.signal()
	}
}

// HandleConnectRefused is called by the transport.
func (s *Session) HandleConnectRefused(t Transport, err error) {
	if !s.isCurrent(t) {
		return
	}
	s.setState(StateDisconnected)
	s.emit(Event{Kind: EventConnectRefused, Err: err})
	s.env.OnConnectRefused(s)
}

// HandleClosed is called by the transport. In-progress input and every
// queued message are dropped.
func (s *Session) HandleClosed(t Transport, err error) {
	if !s.isCurrent(t) {
		return
	}

	s.resetInput()
	s.discardQueued()
	s.setState(StateDisconnected)
	s.emit(Event{Kind: EventClosed, Err: err})
	s.env.OnClosed(s)
}

// HandleReadable is called by the transport when inbound bytes are
// buffered. Every complete frame is decoded and dispatched; a framing
// or read error closes the transport.
func (s *Session) HandleReadable(t Transport) {
	if !s.isCurrent(t) {
		return
	}

	for {
		s.readMu.Lock()
		f, err := s.reader.next(t)
		s.readMu.Unlock()

		if err != nil {
			kind := EventReadError
			if errors.Is(err, ErrInvalidLength) {
				kind = EventFrameError
			}
			s.emit(Event{Kind: kind, Err: err})
			_ = t.Close()
			return
		}
		if f == nil {
			return
		}
		if !s.dispatch(t, f) {
			return
		}
	}
}

// dispatch decodes one frame. It returns false when the decode error
// policy closed the transport.
func (s *Session) dispatch(t Transport, f *Frame) bool {
	m, err := s.opts.codec.Decode(f)
	if err == nil {
		if _, known := s.opts.classifier.Classify(m); known {
			s.version.Store(uint32(m.Version))
		}
		s.emit(Event{Kind: EventReceived, Message: m})
		s.env.OnMessage(s, m)
		return true
	}

	var unsupported *UnsupportedTypeError
	if errors.As(err, &unsupported) {
		s.emit(Event{Kind: EventUnsupported, Message: unsupported.Msg, Err: err})
		_ = s.Enqueue(NewNack(unsupported))
	} else {
		var malformed *MalformedError
		if errors.As(err, &malformed) {
			s.emit(Event{Kind: EventMalformed, Message: malformed.Msg, Err: err})
		} else {
			s.emit(Event{Kind: EventMalformed, Err: err})
		}
	}

	if s.opts.onError(err) == Disconnect {
		_ = t.Close()
		return false
	}
	return true
}

func (s *Session) replaceTransport() Transport {
	t := s.opts.transportFactory(s, s.opts.logger)

	s.mu.Lock()
	old := s.transport
	s.transport = t
	s.mu.Unlock()

	if old != nil {
		// old is no longer current, so its close isn't reported.
		_ = old.Close()
		s.resetInput()
		s.discardQueued()
	}
	return t
}

// resetInput drops any partially read frame. A new connection never
// continues a frame started on an earlier one.
func (s *Session) resetInput() {
	s.readMu.Lock()
	s.reader.reset()
	s.readMu.Unlock()
}

func (s *Session) discardQueued() {
	if dropped := s.queues.Clear(); dropped > 0 {
		s.emit(Event{Kind: EventDropped, Depth: dropped, Err: ErrNotConnected})
	}
}

func (s *Session) isCurrent(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport == t
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) emit(e Event) {
	s.opts.observer.OnEvent(s, e)
}
