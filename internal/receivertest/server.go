// Package receivertest provides an in-process receiver speaking the wire
// protocol over TLS, for tests.
package receivertest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"receiverlink/internal/linecodec"
	"receiverlink/internal/protocol"
)

// Config configures a Server. Zero values take the defaults noted.
type Config struct {
	// Certificate is the server identity. A fresh one is generated if nil.
	Certificate *tls.Certificate

	// Version is the protocol version accepted (protocol.Version).
	Version string

	// PairingCode is the code accepted in a pairing session ("1234").
	PairingCode string

	// Token is issued on pairing and accepted by INIT_CONNECT ("test-token").
	Token string

	// PairingDisabled makes INIT_PAIR answer UNAUTHORIZED.
	PairingDisabled bool

	// InitialStatus, if set, is pushed right after the handshake.
	InitialStatus string

	// Unsupported commands are answered UNSUPPORTED.
	Unsupported []string

	// Failing commands are answered ERR.
	Failing []string

	// Snapshots maps an event type to the frame payload sent after every
	// subscribe to it.
	Snapshots map[string]string

	// Reply, when it returns true, overrides the answer to a request line.
	Reply func(line string) (string, bool)
}

// Server is a fake receiver.
type Server struct {
	cfg      Config
	cert     tls.Certificate
	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	received []string
	controls []string
	silenced bool

	conns  atomic.Int64
	pings  atomic.Int64
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	conn  net.Conn
	codec *linecodec.Codec

	mu      sync.Mutex
	ready   bool // handshake complete
	pairing bool
	subs    map[string]bool
	pending []string
	silent  bool
}

// NewServer starts a Server listening on 127.0.0.1.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Version == "" {
		cfg.Version = protocol.Version
	}
	if cfg.PairingCode == "" {
		cfg.PairingCode = "1234"
	}
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}

	var cert tls.Certificate
	if cfg.Certificate != nil {
		cert = *cfg.Certificate
	} else {
		var err error
		if cert, err = GenerateCertificate(); err != nil {
			return nil, err
		}
	}

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		cert:     cert,
		listener: listener,
		sessions: make(map[*session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Start starts a Server and closes it when the test ends.
func Start(t testing.TB, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("receivertest: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Certificate returns the server certificate.
func (s *Server) Certificate() *x509.Certificate {
	if s.cert.Leaf != nil {
		return s.cert.Leaf
	}
	leaf, _ := x509.ParseCertificate(s.cert.Certificate[0])
	return leaf
}

// Token returns the auth token the server issues and accepts.
func (s *Server) Token() string {
	return s.cfg.Token
}

// PairingCode returns the accepted pairing code.
func (s *Server) PairingCode() string {
	return s.cfg.PairingCode
}

// ConnCount returns how many connections have been accepted in total.
func (s *Server) ConnCount() int {
	return int(s.conns.Load())
}

// ActiveConns returns the number of open connections.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Pings returns how many PINGs have been answered.
func (s *Server) Pings() int {
	return int(s.pings.Load())
}

// Received returns the command lines received, in order, excluding
// handshake, keepalive and event stream control lines.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Controls returns the event stream control lines received, in order.
func (s *Server) Controls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.controls...)
}

// Subscribed reports whether any open session is subscribed to eventType.
func (s *Server) Subscribed(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.mu.Lock()
		ok := sess.subs[eventType]
		sess.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// Push queues line for every session that completed its handshake. Lines
// are written between exchanges.
func (s *Server) Push(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.mu.Lock()
		if sess.ready {
			sess.pending = append(sess.pending, line)
		}
		sess.mu.Unlock()
	}
}

// PushEvent queues an event frame for sessions subscribed to eventType.
func (s *Server) PushEvent(eventType, payload string) {
	line := eventType + " " + payload
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.mu.Lock()
		if sess.ready && sess.subs[eventType] {
			sess.pending = append(sess.pending, line)
		}
		sess.mu.Unlock()
	}
}

// Silence stops the server from answering anything, on open and future
// sessions. Connections stay open.
func (s *Server) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenced = true
	for sess := range s.sessions {
		sess.mu.Lock()
		sess.silent = true
		sess.mu.Unlock()
	}
}

// DropAll closes every open connection.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.listener.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.conns.Add(1)

		sess := &session{
			conn:  conn,
			codec: linecodec.New(conn),
			subs:  make(map[string]bool),
		}
		s.mu.Lock()
		sess.silent = s.silenced
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(sess)
	}
}

func (s *Server) handleConnection(sess *session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.conn.Close()
	}()

	if !s.handshake(sess) {
		return
	}

	for {
		if s.ctx.Err() != nil {
			return
		}
		line, err := sess.codec.ReadLine(10 * time.Millisecond)
		if errors.Is(err, linecodec.ErrTimeout) {
			if !s.flush(sess) {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		if sess.isSilent() {
			continue
		}
		reply, keep := s.answer(sess, line)
		if reply != "" {
			if err := sess.codec.WriteLine(reply); err != nil {
				return
			}
		}
		if !keep {
			return
		}
		if !s.flush(sess) {
			return
		}
	}
}

func (s *Server) handshake(sess *session) bool {
	line, err := sess.codec.ReadLine(5 * time.Second)
	if err != nil || sess.isSilent() {
		return false
	}
	if line != s.cfg.Version {
		sess.codec.WriteLine(protocol.Unsupported)
		return false
	}
	sess.codec.WriteLine(protocol.Confirm)

	line, err = sess.codec.ReadLine(5 * time.Second)
	if err != nil {
		return false
	}

	switch {
	case line == protocol.InitPair:
		if s.cfg.PairingDisabled {
			sess.codec.WriteLine(protocol.Unauthorized)
			return false
		}
		sess.mu.Lock()
		sess.pairing = true
		sess.mu.Unlock()
	case strings.HasPrefix(line, protocol.InitConnect+" "):
		if strings.TrimPrefix(line, protocol.InitConnect+" ") != s.cfg.Token {
			sess.codec.WriteLine(protocol.Unauthorized)
			return false
		}
	default:
		sess.codec.WriteLine(protocol.Err)
		return false
	}

	if err := sess.codec.WriteLine(protocol.Confirm); err != nil {
		return false
	}

	sess.mu.Lock()
	sess.ready = true
	if s.cfg.InitialStatus != "" {
		sess.pending = append(sess.pending, s.cfg.InitialStatus)
	}
	sess.mu.Unlock()
	return s.flush(sess)
}

// answer returns the reply to line and whether the connection stays open.
func (s *Server) answer(sess *session, line string) (string, bool) {
	if s.cfg.Reply != nil {
		if reply, ok := s.cfg.Reply(line); ok {
			return reply, true
		}
	}

	sess.mu.Lock()
	pairing := sess.pairing
	sess.mu.Unlock()
	if pairing {
		// The receiver ends a pairing session after one code
		if line == s.cfg.PairingCode {
			return s.cfg.Token, true
		}
		return protocol.Unauthorized, false
	}

	if line == protocol.Ping {
		s.pings.Add(1)
		return protocol.Confirm, true
	}

	word, arg, _ := strings.Cut(line, " ")
	if word == protocol.EventStreamSubscribe || word == protocol.EventStreamUnsubscribe {
		s.mu.Lock()
		s.controls = append(s.controls, line)
		s.mu.Unlock()
	}
	switch word {
	case protocol.EventStreamSubscribe:
		sess.mu.Lock()
		sess.subs[arg] = true
		if snap, ok := s.cfg.Snapshots[arg]; ok {
			sess.pending = append(sess.pending, arg+" "+snap)
		}
		sess.mu.Unlock()
		return protocol.Confirm, true
	case protocol.EventStreamUnsubscribe:
		sess.mu.Lock()
		delete(sess.subs, arg)
		sess.mu.Unlock()
		return protocol.Confirm, true
	}

	s.mu.Lock()
	s.received = append(s.received, line)
	s.mu.Unlock()

	switch {
	case contains(s.cfg.Unsupported, word):
		return protocol.Unsupported, true
	case contains(s.cfg.Failing, word):
		return protocol.Err, true
	}
	if _, err := protocol.Lookup(word); err != nil {
		return protocol.Err, true
	}
	return protocol.Confirm, true
}

func (s *Server) flush(sess *session) bool {
	sess.mu.Lock()
	pending := sess.pending
	sess.pending = nil
	silent := sess.silent
	sess.mu.Unlock()

	if silent {
		return true
	}
	for _, line := range pending {
		if err := sess.codec.WriteLine(line); err != nil {
			return false
		}
	}
	return true
}

func (sess *session) isSilent() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.silent
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
