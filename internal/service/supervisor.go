// Package service supervises the single live receiver session the
// application works with. One goroutine owns the session pointer; connect
// attempts run on their own goroutines and report back tagged with the
// connection serial they were started under, so a result overtaken by a
// newer request is closed instead of committed.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"receiverlink/internal/deferred"
	"receiverlink/internal/logging"
	"receiverlink/internal/metrics"
	"receiverlink/internal/receiver"
	"receiverlink/internal/store"
	"receiverlink/internal/trust"
)

var (
	ErrAlreadyRunning = errors.New("service: supervisor already running")
	ErrNotRunning     = errors.New("service: supervisor not running")
)

// Callbacks is the surface the application observes. Callbacks run one at a
// time in the order the events happened, never on the supervisor goroutine.
// Any field may be nil.
type Callbacks struct {
	// OnServiceInit reports whether the supervisor could be started.
	OnServiceInit func(err error)

	// OnSocketConnected fires after the TLS handshake of a current attempt.
	OnSocketConnected func(spec receiver.Spec)

	// OnConnected fires when an attempt is committed as the session.
	OnConnected func(s *receiver.Session)

	// OnConnectError fires when a current attempt fails before connecting.
	OnConnectError func(spec receiver.Spec, err error)

	// OnDisconnected fires once for every committed session when it ends,
	// with the cause or nil for a clean close.
	OnDisconnected func(spec receiver.Spec, err error)

	// OnReadyChanged fires on receiver readiness edges of the committed
	// session.
	OnReadyChanged func(spec receiver.Spec, ready bool)
}

// Records is the pairing record access the supervisor needs to maintain
// last-connected fields.
type Records interface {
	Lookup(fingerprint []byte) (*store.PairingRecord, error)
	Touch(deviceID, host string, at time.Time) error
}

// InitFunc prepares the Connector when the supervisor starts, for example
// by opening the keystore.
type InitFunc func(ctx context.Context) (Connector, error)

// Options configures a Supervisor.
type Options struct {
	Session   receiver.Options
	Callbacks Callbacks
	Records   Records
	Logger    *logging.Logger
	Metrics   *metrics.ReceiverMetrics
}

// Supervisor is the single point through which the application asks for a
// live session to a receiver.
type Supervisor struct {
	init    InitFunc
	opts    Options
	logger  *logging.Logger
	stats   *metrics.ReceiverMetrics
	serial  *Serial
	notify  *deferred.Pool
	inbox   chan any
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// open counts committed sessions whose end is not yet reported
	open sync.WaitGroup

	// owned by run
	connector   Connector
	desired     *receiver.Spec
	established receiver.Spec
	current     *receiver.Session
	pending     bool
}

type connectReq struct {
	spec  receiver.Spec
	reply chan connectReply
}

type connectReply struct {
	session *receiver.Session
	ok      bool
}

type attemptDone struct {
	serial  int32
	spec    receiver.Spec
	session *receiver.Session
	err     error
}

type sessionClosed struct {
	session *receiver.Session
}

type detachReq struct {
	stop  bool
	reply chan *receiver.Session
}

type currentReq struct {
	reply chan *receiver.Session
}

// New creates a Supervisor. Start must be called before use.
func New(init InitFunc, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = opts.Session.Logger
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = opts.Session.Metrics
	}
	opts.Session.Logger = opts.Logger
	opts.Session.Metrics = opts.Metrics

	return &Supervisor{
		init:   init,
		opts:   opts,
		logger: opts.Logger.WithComponent("service"),
		stats:  opts.Metrics,
		serial: &Serial{},
		notify: deferred.NewPool(1),
		inbox:  make(chan any),
		done:   make(chan struct{}),
	}
}

// NewWithConnector creates a Supervisor around a ready Connector.
func NewWithConnector(c Connector, opts Options) *Supervisor {
	return New(func(context.Context) (Connector, error) { return c, nil }, opts)
}

// Start runs the init function and the supervisor goroutine. The outcome
// is also reported through OnServiceInit.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.started {
		return ErrAlreadyRunning
	}
	s.started = true

	connector, err := s.init(ctx)
	if err != nil {
		s.logger.Error("service init failed", "error", err)
		s.emit(func(cb *Callbacks) {
			if cb.OnServiceInit != nil {
				cb.OnServiceInit(err)
			}
		})
		close(s.done)
		return err
	}
	s.connector = connector
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.run()
	s.logger.Debug("service started")
	s.emit(func(cb *Callbacks) {
		if cb.OnServiceInit != nil {
			cb.OnServiceInit(nil)
		}
	})
	return nil
}

// RequestConnect asks for a live session to spec. If the established
// session already matches spec and is alive it is returned with true and
// no I/O happens. Otherwise a connect is scheduled and the outcome arrives
// through OnConnected or OnConnectError.
func (s *Supervisor) RequestConnect(spec receiver.Spec) (*receiver.Session, bool) {
	reply := make(chan connectReply, 1)
	if !s.send(connectReq{spec: spec, reply: reply}) {
		s.emit(func(cb *Callbacks) {
			if cb.OnConnectError != nil {
				cb.OnConnectError(spec, ErrNotRunning)
			}
		})
		return nil, false
	}
	r := <-reply
	return r.session, r.ok
}

// Disconnect detaches and closes the current session and cancels any
// attempt in flight. It waits for the session to close.
func (s *Supervisor) Disconnect() {
	reply := make(chan *receiver.Session, 1)
	if !s.send(detachReq{reply: reply}) {
		return
	}
	if sess := <-reply; sess != nil {
		sess.Close()
	}
}

// Current returns the committed live session, or nil.
func (s *Supervisor) Current() *receiver.Session {
	reply := make(chan *receiver.Session, 1)
	if !s.send(currentReq{reply: reply}) {
		return nil
	}
	return <-reply
}

// State reports whether a committed session is alive and whether its
// receiver is ready.
func (s *Supervisor) State() (alive, ready bool) {
	sess := s.Current()
	if sess == nil {
		return false, false
	}
	return sess.Alive(), sess.Ready()
}

// Shutdown closes the current session, stops scheduling connects and
// waits for pending callbacks until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.started {
		return ErrNotRunning
	}
	reply := make(chan *receiver.Session, 1)
	if s.send(detachReq{stop: true, reply: reply}) {
		if sess := <-reply; sess != nil {
			sess.Close()
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	flushed := make(chan struct{})
	go func() {
		s.open.Wait()
		s.notify.Close()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send delivers msg to the supervisor goroutine. It fails once the
// supervisor has stopped.
func (s *Supervisor) send(msg any) bool {
	if s.ctx == nil {
		return false
	}
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	for msg := range s.inbox {
		switch m := msg.(type) {
		case connectReq:
			m.reply <- s.handleConnect(m.spec)
		case attemptDone:
			s.handleAttempt(m)
		case sessionClosed:
			s.handleClosed(m)
		case detachReq:
			m.reply <- s.handleDetach(m.stop)
			if m.stop {
				return
			}
		case currentReq:
			if s.current != nil && s.current.Alive() {
				m.reply <- s.current
			} else {
				m.reply <- nil
			}
		}
	}
}

func (s *Supervisor) handleConnect(spec receiver.Spec) connectReply {
	if s.current != nil && s.current.Alive() && s.established == spec {
		return connectReply{session: s.current, ok: true}
	}
	if s.pending && s.desired != nil && *s.desired == spec {
		s.logger.Debug("connect already in flight", "receiver", spec.String())
		return connectReply{}
	}

	if s.current != nil {
		// A different spec or a dead session is replaced
		old := s.current
		s.current = nil
		go old.Close()
	}

	desired := spec
	s.desired = &desired
	s.pending = true
	serial := s.serial.Advance()
	s.logger.Info("connecting", "receiver", spec.String(), "serial", serial)
	go s.attempt(serial, spec)
	return connectReply{}
}

// attempt runs one connect outside the supervisor goroutine.
func (s *Supervisor) attempt(serial int32, spec receiver.Spec) {
	opts := s.opts.Session
	opts.OnSocketConnected = func() {
		if !s.serial.IsCurrent(serial) {
			return
		}
		s.emit(func(cb *Callbacks) {
			if cb.OnSocketConnected != nil {
				cb.OnSocketConnected(spec)
			}
		})
	}
	opts.OnReadyChanged = func(ready bool) {
		if !s.serial.IsCurrent(serial) {
			return
		}
		s.emit(func(cb *Callbacks) {
			if cb.OnReadyChanged != nil {
				cb.OnReadyChanged(spec, ready)
			}
		})
	}

	sess, err := s.connector.Connect(s.ctx, spec, opts)
	done := attemptDone{serial: serial, spec: spec, session: sess, err: err}
	if !s.send(done) && sess != nil {
		sess.Close()
	}
}

func (s *Supervisor) handleAttempt(m attemptDone) {
	if latest := s.serial.Current(); Newer(latest, m.serial) {
		// Overtaken by a newer request: discard without callbacks
		s.stats.RecordSuperseded()
		s.logger.Debug("connect superseded", "receiver", m.spec.String(),
			"serial", m.serial, "superseded_by", latest)
		if m.session != nil {
			go m.session.Close()
		}
		return
	}
	s.pending = false

	if m.err != nil {
		s.stats.RecordConnectError()
		s.logger.Warn("connect failed", "receiver", m.spec.String(), "error", m.err,
			"requires_pairing", errors.Is(m.err, receiver.ErrRequiresPairing))
		s.emit(func(cb *Callbacks) {
			if cb.OnConnectError != nil {
				cb.OnConnectError(m.spec, m.err)
			}
		})
		return
	}

	sess := m.session
	s.current = sess
	s.established = m.spec
	s.stats.RecordConnect()
	s.logger.Info("connected", "receiver", m.spec.String(), "serial", m.serial)

	if !m.spec.Pairing {
		s.notify.Submit(func() { s.touch(sess) })
	}
	s.emit(func(cb *Callbacks) {
		if cb.OnConnected != nil {
			cb.OnConnected(sess)
		}
	})

	// Registered after OnConnected is queued so the end is always reported
	// after the start
	s.open.Add(1)
	sess.OnClosed(func(err error) {
		s.reportClosed(sess, err)
		s.send(sessionClosed{session: sess})
	})
}

func (s *Supervisor) reportClosed(sess *receiver.Session, err error) {
	defer s.open.Done()
	s.stats.SetReady(false)
	spec := sess.Spec()
	s.logger.Info("disconnected", "receiver", spec.String(), "error", err)
	s.emit(func(cb *Callbacks) {
		if cb.OnDisconnected != nil {
			cb.OnDisconnected(spec, err)
		}
	})
}

func (s *Supervisor) handleClosed(m sessionClosed) {
	if s.current == m.session {
		s.current = nil
	}
}

// handleDetach clears the current session and invalidates any attempt in
// flight. The caller closes the returned session outside this goroutine.
func (s *Supervisor) handleDetach(stop bool) *receiver.Session {
	old := s.current
	s.current = nil
	s.desired = nil
	if s.pending {
		s.pending = false
		s.serial.Advance()
	}
	if stop {
		s.logger.Debug("service stopping")
	}
	return old
}

// touch updates the last-connected fields of the receiver's record.
func (s *Supervisor) touch(sess *receiver.Session) {
	if s.opts.Records == nil || sess.PeerCertificate() == nil {
		return
	}
	rec, err := s.opts.Records.Lookup(trust.FingerprintOf(sess.PeerCertificate()))
	if err != nil || rec == nil {
		if err != nil {
			s.logger.Warn("lookup pairing record", "error", err)
		}
		return
	}
	if err := s.opts.Records.Touch(rec.DeviceID, sess.Spec().Host, time.Now()); err != nil {
		s.logger.Warn("update last connected", "device_id", rec.DeviceID, "error", err)
	}
}

// emit queues a callback on the ordered notification pool.
func (s *Supervisor) emit(fn func(cb *Callbacks)) {
	cb := &s.opts.Callbacks
	s.notify.Submit(func() { fn(cb) })
}
