package receiver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"receiverlink/internal/deferred"
	"receiverlink/internal/linecodec"
	"receiverlink/internal/logging"
	"receiverlink/internal/metrics"
	"receiverlink/internal/protocol"
	"receiverlink/internal/trust"
)

// TokenSource returns the auth token for the receiver that presented peer.
// An empty token with a nil error means the receiver is not paired.
type TokenSource func(peer *x509.Certificate) (string, error)

// Session is one authenticated connection to a receiver. It owns its
// socket and a single read loop goroutine; operations may be submitted
// from any goroutine.
type Session struct {
	spec    Spec
	opts    Options
	conn    net.Conn
	codec   *linecodec.Codec
	peer    *x509.Certificate
	exec    deferred.Executor
	logger  *logging.Logger
	stats   *metrics.ReceiverMetrics
	queue   *opQueue
	events  *Multiplexer
	started time.Time

	// notify runs OnReadyChanged and OnClosed callbacks one at a time in
	// the order they happened
	notify *deferred.Pool

	state atomic.Int32
	ready atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	err      error
	onClosed []func(error)
	tornDown bool
}

// Dial connects to spec.Addr over TLS and runs the protocol handshake.
// Normal sessions ask tokens for the receiver's auth token; pairing
// sessions ignore it. On any failure the socket is closed and the error
// is an *Error.
func Dial(ctx context.Context, spec Spec, tlsConfig *tls.Config, tokens TokenSource, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	log := opts.Logger.WithComponent("receiver").With("receiver", spec.Addr())
	start := time.Now()

	dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	dialer := &tls.Dialer{Config: tlsConfig}
	raw, err := dialer.DialContext(dctx, "tcp", spec.Addr())
	if err != nil {
		if errors.Is(err, trust.ErrUnknownCertificate) {
			return nil, newError(KindRequiresPairing, "tls", err)
		}
		return nil, newError(KindTransport, "dial", err)
	}
	conn := raw.(*tls.Conn)

	var peer *x509.Certificate
	if certs := conn.ConnectionState().PeerCertificates; len(certs) > 0 {
		peer = certs[0]
	}
	if peer == nil {
		conn.Close()
		return nil, newError(KindProtocol, "tls", trust.ErrNoPeerCertificate)
	}
	if opts.OnSocketConnected != nil {
		opts.OnSocketConnected()
	}

	var token string
	if !spec.Pairing {
		if tokens != nil {
			if token, err = tokens(peer); err != nil {
				conn.Close()
				return nil, newError(KindTransport, "credentials", err)
			}
		}
		if token == "" {
			conn.Close()
			log.Info("receiver not paired", "fingerprint", trust.FormatFingerprint(trust.FingerprintOf(peer)))
			return nil, newError(KindRequiresPairing, "credentials", nil)
		}
	}

	s, err := open(conn, peer, spec, token, opts)
	if err != nil {
		return nil, err
	}
	opts.Metrics.RecordHandshake(time.Since(start))
	return s, nil
}

// Open runs the protocol handshake over an established connection and
// starts the read loop. token is ignored for pairing specs. The connection
// is closed if the handshake fails.
func Open(conn net.Conn, spec Spec, token string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	var peer *x509.Certificate
	if tc, ok := conn.(*tls.Conn); ok {
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			peer = certs[0]
		}
	}
	return open(conn, peer, spec, token, opts)
}

func open(conn net.Conn, peer *x509.Certificate, spec Spec, token string, opts Options) (*Session, error) {
	s := &Session{
		spec:    spec,
		opts:    opts,
		conn:    conn,
		codec:   linecodec.New(conn),
		peer:    peer,
		exec:    opts.Executor,
		notify:  deferred.NewPool(1),
		logger:  opts.Logger.WithComponent("receiver").With("receiver", spec.Addr()),
		stats:   opts.Metrics,
		queue:   newOpQueue(opts.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.codec.SetWriteTimeout(opts.WriteTimeout)
	s.events = newMultiplexer(s.sendBasic, s.exec, s.logger, s.stats)

	s.state.Store(int32(StateHandshaking))
	if err := s.handshake(token); err != nil {
		s.state.Store(int32(StateDead))
		conn.Close()
		s.notify.Close()
		s.logger.Warn("handshake failed", "error", err)
		return nil, err
	}

	s.state.Store(int32(StateReady))
	s.logger.Debug("session ready", "pairing", spec.Pairing)
	go s.loop()
	return s, nil
}

func (s *Session) handshake(token string) error {
	if err := s.codec.WriteLine(protocol.Version); err != nil {
		return newError(KindTransport, "version", err)
	}
	reply, err := s.codec.ReadLine(s.opts.ResponseTimeout)
	if err != nil {
		return newError(KindTransport, "version", err)
	}
	switch reply {
	case protocol.Confirm:
	case protocol.Unsupported:
		return newError(KindUnsupportedVersion, "version", fmt.Errorf("receiver rejected %s", protocol.Version))
	default:
		return newError(KindProtocol, "version", fmt.Errorf("%w: %q", protocol.ErrUnexpectedReply, reply))
	}

	op := protocol.InitConnect
	words := protocol.ConnectLine(token)
	if s.spec.Pairing {
		op = protocol.InitPair
		words = []string{protocol.InitPair}
	}
	if err := s.codec.WriteLine(words...); err != nil {
		return newError(KindTransport, op, err)
	}
	reply, err = s.codec.ReadLine(s.opts.ResponseTimeout)
	if err != nil {
		return newError(KindTransport, op, err)
	}
	switch reply {
	case protocol.Confirm:
		return nil
	case protocol.Unauthorized:
		if s.spec.Pairing {
			return newError(KindPairingDisabled, op, protocol.ErrReplyUnauthorized)
		}
		return newError(KindRequiresPairing, op, protocol.ErrReplyUnauthorized)
	}
	return newError(KindProtocol, op, fmt.Errorf("%w: %q", protocol.ErrUnexpectedReply, reply))
}

// Spec returns the spec the session was opened for.
func (s *Session) Spec() Spec { return s.spec }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Alive reports whether the session can still carry operations.
func (s *Session) Alive() bool { return s.State() == StateReady }

// Ready reports the last readiness status pushed by the receiver. A dead
// session is never ready.
func (s *Session) Ready() bool { return s.Alive() && s.ready.Load() }

// PeerCertificate returns the receiver certificate.
func (s *Session) PeerCertificate() *x509.Certificate { return s.peer }

// Done is closed once the session is dead and its read loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause that ended the session, or nil while alive or
// after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Events returns the session's event stream multiplexer.
func (s *Session) Events() *Multiplexer { return s.events }

// OnClosed registers cb to run once when the session ends, with the
// terminating cause or nil for a clean Close. Callbacks run after every
// OnReadyChanged callback of the session. Registering after the end runs
// cb immediately on its own goroutine.
func (s *Session) OnClosed(cb func(err error)) {
	s.mu.Lock()
	if !s.tornDown {
		s.onClosed = append(s.onClosed, cb)
		s.mu.Unlock()
		return
	}
	err := s.err
	s.mu.Unlock()
	s.notify.Submit(func() { cb(err) })
}

// Close ends the session, fails queued operations and waits for the read
// loop to exit. It is safe to call more than once.
func (s *Session) Close() error {
	s.teardown(nil)
	<-s.done
	return nil
}

// Send submits a catalog command.
func (s *Session) Send(cmd protocol.Command, args ...string) *deferred.Result[struct{}] {
	words, err := cmd.Encode(args...)
	if err != nil {
		return deferred.Failed[struct{}](s.exec, err)
	}
	return s.sendBasic(words)
}

// SendLine submits a raw command line whose reply is CONFIRM, ERR or
// UNSUPPORTED.
func (s *Session) SendLine(words ...string) *deferred.Result[struct{}] {
	if len(words) == 0 {
		return deferred.Failed[struct{}](s.exec, protocol.ErrBadArguments)
	}
	if err := protocol.CheckWords(words); err != nil {
		return deferred.Failed[struct{}](s.exec, err)
	}
	return s.sendBasic(words)
}

func (s *Session) sendBasic(words []string) *deferred.Result[struct{}] {
	res := s.enqueue(words[0], words, func(reply string) (string, error) {
		return "", protocol.DecodeBasic(reply)
	})
	return deferred.Map(res, func(string) (struct{}, error) { return struct{}{}, nil })
}

// SubmitPayload sends payload as a bare line and resolves with the reply
// verbatim unless it is a negative token. Pairing codes use this.
func (s *Session) SubmitPayload(name, payload string) *deferred.Result[string] {
	if err := protocol.CheckWords([]string{payload}); err != nil {
		return deferred.Failed[string](s.exec, err)
	}
	return s.enqueue(name, []string{payload}, protocol.DecodePayload)
}

// Subscribe registers l for eventType on this session.
func (s *Session) Subscribe(eventType string, l Listener) *deferred.Result[struct{}] {
	return s.events.Subscribe(eventType, l)
}

// Unsubscribe removes l from eventType on this session.
func (s *Session) Unsubscribe(eventType string, l Listener) *deferred.Result[struct{}] {
	return s.events.Unsubscribe(eventType, l)
}

func (s *Session) enqueue(name string, words []string, decode func(string) (string, error)) *deferred.Result[string] {
	res := deferred.New[string](s.exec)
	if !s.Alive() {
		res.Reject(newError(KindClosed, name, s.Err()))
		return res
	}
	op := &operation{name: name, words: words, decode: decode, result: res}
	if err := s.queue.push(op); err != nil {
		if errors.Is(err, ErrQueueFull) {
			res.Reject(newError(KindOperationFailed, name, err))
		} else {
			res.Reject(newError(KindClosed, name, s.Err()))
		}
	}
	return res
}

// teardown ends the session once. cause is nil for a clean close.
func (s *Session) teardown(cause error) {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateDead))
		close(s.stop)
		s.conn.Close()

		s.mu.Lock()
		s.err = cause
		s.tornDown = true
		for _, cb := range s.onClosed {
			cb := cb
			s.notify.Submit(func() { cb(cause) })
		}
		s.onClosed = nil
		s.mu.Unlock()
		// A callback may itself call Close
		go s.notify.Close()

		drained := s.queue.drain(newError(KindClosed, "", cause))
		s.events.close(cause)
		s.stats.RecordDisconnect()

		if cause != nil {
			s.logger.Warn("session ended", "error", cause, "failed_operations", drained,
				"uptime", time.Since(s.started).Round(time.Millisecond))
		} else {
			s.logger.Debug("session closed", "failed_operations", drained)
		}
	})
}
