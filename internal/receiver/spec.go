// Package receiver implements the session engine: the handshake, the read
// loop correlating queued operations with their replies, keepalive, and
// the event stream multiplexer sharing the one socket.
package receiver

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"receiverlink/internal/config"
	"receiverlink/internal/deferred"
	"receiverlink/internal/logging"
	"receiverlink/internal/metrics"
)

// Spec identifies a receiver to connect to. Specs compare by value.
type Spec struct {
	Name    string
	Host    string
	Port    int
	Pairing bool
}

// Addr returns host:port.
func (s Spec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Spec) String() string {
	mode := "connect"
	if s.Pairing {
		mode = "pair"
	}
	if s.Name != "" {
		return fmt.Sprintf("%s (%s, %s)", s.Name, s.Addr(), mode)
	}
	return fmt.Sprintf("%s (%s)", s.Addr(), mode)
}

// State is the lifecycle position of a Session. Transitions only move
// forward; Dead is terminal.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options tunes a Session.
type Options struct {
	// ConnectTimeout bounds TCP connect plus TLS handshake.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds the wait for each reply.
	ResponseTimeout time.Duration

	// KeepaliveInterval is the idle time after which a PING is sent.
	KeepaliveInterval time.Duration

	// StatusPoll bounds each read for pushed frames between operations.
	StatusPoll time.Duration

	// WriteTimeout bounds each line write.
	WriteTimeout time.Duration

	// QueueSize is the capacity of the operation queue.
	QueueSize int

	// Executor delivers operation results. Defaults to
	// deferred.DefaultPool.
	Executor deferred.Executor

	Logger  *logging.Logger
	Metrics *metrics.ReceiverMetrics

	// OnSocketConnected runs after the TLS handshake, before the protocol
	// handshake.
	OnSocketConnected func()

	// OnReadyChanged runs on each receiver ready/unready edge.
	OnReadyChanged func(ready bool)
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return timingsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig builds Options from the loaded configuration. Results
// are delivered on a new Pool of Session.DeliveryWorkers goroutines; the
// caller closes it when no session needs it any more.
func OptionsFromConfig(cfg *config.Config) (Options, *deferred.Pool) {
	opts := timingsFromConfig(cfg)
	pool := deferred.NewPool(cfg.Session.DeliveryWorkers)
	opts.Executor = pool
	return opts, pool
}

func timingsFromConfig(cfg *config.Config) Options {
	return Options{
		ConnectTimeout:    cfg.ConnectTimeout(),
		ResponseTimeout:   cfg.Session.ResponseTimeout(),
		KeepaliveInterval: cfg.Session.KeepaliveInterval(),
		StatusPoll:        cfg.Session.StatusPoll(),
		WriteTimeout:      cfg.Session.WriteTimeout(),
		QueueSize:         cfg.Session.QueueSize,
	}
}

func (o Options) withDefaults() Options {
	d := Options{
		ConnectTimeout:    5 * time.Second,
		ResponseTimeout:   5 * time.Second,
		KeepaliveInterval: 5 * time.Second,
		StatusPoll:        100 * time.Millisecond,
		WriteTimeout:      5 * time.Second,
		QueueSize:         64,
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = d.ResponseTimeout
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = d.KeepaliveInterval
	}
	if o.StatusPoll <= 0 {
		o.StatusPoll = d.StatusPoll
	}
	if o.StatusPoll > o.KeepaliveInterval {
		o.StatusPoll = o.KeepaliveInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Executor == nil {
		o.Executor = deferred.DefaultPool()
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}
