// Package pairing runs the trust-on-first-use pairing handshake: it opens
// a pairing session under the permissive TLS context, submits the
// human-entered code, and pins the receiver certificate together with the
// issued auth token.
package pairing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"receiverlink/internal/deferred"
	"receiverlink/internal/logging"
	"receiverlink/internal/metrics"
	"receiverlink/internal/receiver"
	"receiverlink/internal/security"
	"receiverlink/internal/store"
	"receiverlink/internal/trust"
)

// PairingCodeOp names the code submission in logs and errors.
const PairingCodeOp = "PAIRING_CODE"

var (
	// ErrInvalidCode is returned for codes that are not decimal digits. Such
	// codes never reach the receiver.
	ErrInvalidCode = errors.New("pairing: code must be decimal digits")

	// ErrThrottled is returned while a host is backing off after wrong codes.
	ErrThrottled = errors.New("pairing: too many failed attempts")

	// ErrAttemptUsed is returned when a code is submitted twice on one attempt.
	ErrAttemptUsed = errors.New("pairing: attempt already used")
)

// Keystore is the trust material pairing needs.
type Keystore interface {
	PairingTLSConfig() *tls.Config
	AddPairedDevice(cert *x509.Certificate, rec *store.PairingRecord) error
}

// Default backoff for wrong codes, keyed by receiver host.
const (
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultResetAfter   = 10 * time.Minute
	defaultMaxFailures  = 5
	defaultLockDuration = 5 * time.Minute
)

// Coordinator pairs receivers. It is safe for concurrent use.
type Coordinator struct {
	keys    Keystore
	opts    receiver.Options
	limiter *security.FailureLimiter
	logger  *logging.Logger
	stats   *metrics.ReceiverMetrics
}

// NewCoordinator creates a Coordinator. opts tunes the pairing sessions.
func NewCoordinator(keys Keystore, opts receiver.Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		keys: keys,
		opts: opts,
		limiter: security.NewFailureLimiter(defaultBaseDelay, defaultMaxDelay,
			defaultResetAfter, defaultMaxFailures, defaultLockDuration),
		logger: logger.WithComponent("pairing"),
		stats:  opts.Metrics,
	}
}

// WithLimiter replaces the wrong-code limiter.
func (c *Coordinator) WithLimiter(l *security.FailureLimiter) *Coordinator {
	c.limiter = l
	return c
}

// Begin opens a pairing session to spec.Host. The returned Attempt exposes
// the receiver fingerprint so it can be shown to the user before the code
// is entered.
func (c *Coordinator) Begin(ctx context.Context, spec receiver.Spec) (*Attempt, error) {
	spec.Pairing = true
	if err := c.allowed(spec.Host); err != nil {
		return nil, err
	}

	s, err := receiver.Dial(ctx, spec, c.keys.PairingTLSConfig(), nil, c.opts)
	if err != nil {
		c.logger.Warn("pairing session failed", "receiver", spec.Addr(), "error", err)
		return nil, err
	}
	a := &Attempt{c: c, spec: spec, session: s}
	a.logger = c.logger.WithRequestID(c.logger.NewRequestID())
	a.logger.Info("pairing session open",
		"receiver", spec.Addr(),
		"fingerprint", a.Fingerprint(),
	)
	return a, nil
}

// Pair runs a complete pairing with code and waits for the outcome.
func (c *Coordinator) Pair(ctx context.Context, spec receiver.Spec, code string) (*store.PairingRecord, error) {
	a, err := c.Begin(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.SubmitCode(code).Await(ctx)
}

func (c *Coordinator) allowed(host string) error {
	if c.limiter.IsLocked(host) {
		return fmt.Errorf("%w: %s is locked out", ErrThrottled, host)
	}
	if d := c.limiter.GetDelay(host); d > 0 {
		return fmt.Errorf("%w: retry %s in %s", ErrThrottled, host, d.Round(time.Second))
	}
	return nil
}

// Attempt is one open pairing session. A code may be submitted once; the
// session is closed when the outcome is known.
type Attempt struct {
	c       *Coordinator
	spec    receiver.Spec
	session *receiver.Session
	logger  *logging.Logger
	used    atomic.Bool
}

// Spec returns the pairing spec.
func (a *Attempt) Spec() receiver.Spec { return a.spec }

// Certificate returns the receiver certificate captured by the handshake.
func (a *Attempt) Certificate() *x509.Certificate { return a.session.PeerCertificate() }

// Fingerprint returns the formatted receiver fingerprint.
func (a *Attempt) Fingerprint() string {
	return trust.FormatFingerprint(trust.FingerprintOf(a.Certificate()))
}

// SubmitCode sends code as the pairing operation. On success the receiver
// certificate is pinned and the new record stored before the Result
// resolves. A wrong code fails with receiver.ErrUnauthorized and counts
// against the host.
func (a *Attempt) SubmitCode(code string) *deferred.Result[*store.PairingRecord] {
	exec := a.c.opts.Executor
	if !validCode(code) {
		return deferred.Failed[*store.PairingRecord](exec, ErrInvalidCode)
	}
	if !a.used.CompareAndSwap(false, true) {
		return deferred.Failed[*store.PairingRecord](exec, ErrAttemptUsed)
	}

	host := a.spec.Host
	reply := a.session.SubmitPayload(PairingCodeOp, code)
	out := deferred.Map(reply, func(token string) (*store.PairingRecord, error) {
		return a.commit(token)
	}).MapError(func(err error) error {
		if receiver.KindOf(err) == receiver.KindUnauthorized {
			delay := a.c.limiter.RecordFailure(host)
			a.logger.Warn("pairing code rejected", "receiver", a.spec.Addr(), "retry_after", delay)
		}
		return err
	})
	// The receiver treats a pairing session as single use
	out.Finally(func(*store.PairingRecord, error) { a.session.Close() })
	return out
}

func (a *Attempt) commit(token string) (*store.PairingRecord, error) {
	cert := a.Certificate()
	name := a.spec.Name
	if name == "" {
		name = a.spec.Host
	}
	rec := store.NewPairingRecord(token, trust.FingerprintOf(cert), name, a.spec.Host)
	if err := a.c.keys.AddPairedDevice(cert, rec); err != nil {
		return nil, fmt.Errorf("store pairing: %w", err)
	}
	a.c.limiter.RecordSuccess(a.spec.Host)
	a.c.stats.RecordPairing()
	a.logger.Info("receiver paired", "receiver", a.spec.Addr(), "device_id", rec.DeviceID)
	return rec, nil
}

// Close abandons the attempt.
func (a *Attempt) Close() error {
	return a.session.Close()
}

func validCode(code string) bool {
	if code == "" || len(code) > 16 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
