package receiver

import (
	"fmt"
	"sync"

	"receiverlink/internal/deferred"
	"receiverlink/internal/logging"
	"receiverlink/internal/metrics"
	"receiverlink/internal/protocol"
)

// Listener receives pushed event frames.
type Listener interface {
	OnEvent(eventType, payload string)
}

// DisconnectListener is implemented by listeners that want to know when
// the session carrying their subscription ends.
type DisconnectListener interface {
	Listener
	OnDisconnect(err error)
}

type funcListener struct {
	fn func(eventType, payload string)
}

func (l *funcListener) OnEvent(eventType, payload string) { l.fn(eventType, payload) }

// NewListener wraps fn. Each call returns a distinct Listener, so the same
// function may be registered twice and unsubscribed independently.
func NewListener(fn func(eventType, payload string)) Listener {
	return &funcListener{fn: fn}
}

type outputKind int

const (
	outputEvent outputKind = iota
	outputDisconnect
)

// output is one entry on the ordered dispatch queue.
type output struct {
	kind      outputKind
	eventType string
	payload   string
	err       error
	targets   []Listener
}

// Multiplexer fans pushed frames out to listeners by event type and keeps
// the per-type subscription count against the session.
type Multiplexer struct {
	send   func(words []string) *deferred.Result[struct{}]
	exec   deferred.Executor
	logger *logging.Logger
	stats  *metrics.ReceiverMetrics

	// dispatch runs outputs one at a time in arrival order
	dispatch *deferred.Pool

	mu        sync.Mutex
	listeners map[string][]Listener
	known     map[string]bool
	closed    bool
}

func newMultiplexer(send func([]string) *deferred.Result[struct{}], exec deferred.Executor, logger *logging.Logger, stats *metrics.ReceiverMetrics) *Multiplexer {
	return &Multiplexer{
		send:      send,
		exec:      exec,
		logger:    logger,
		stats:     stats,
		dispatch:  deferred.NewPool(1),
		listeners: make(map[string][]Listener),
		known:     make(map[string]bool),
	}
}

// Subscribe registers l for eventType and sends the subscribe control line.
// The line is sent on every call, so each subscriber triggers a fresh
// snapshot from the receiver. If the subscribe fails, l is unregistered
// before the returned Result settles.
func (m *Multiplexer) Subscribe(eventType string, l Listener) *deferred.Result[struct{}] {
	if l == nil {
		return deferred.Failed[struct{}](m.exec, fmt.Errorf("%w: subscribe needs a listener", protocol.ErrBadArguments))
	}
	if err := protocol.CheckEventType(eventType); err != nil {
		return deferred.Failed[struct{}](m.exec, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return deferred.Failed[struct{}](m.exec, newError(KindClosed, protocol.EventStreamSubscribe, nil))
	}
	m.listeners[eventType] = append(m.listeners[eventType], l)
	m.known[eventType] = true
	count := len(m.listeners[eventType])
	m.mu.Unlock()

	m.logger.Debug("subscribe", "event_type", eventType, "listeners", count)

	return m.send(protocol.SubscribeLine(eventType)).MapError(func(err error) error {
		m.remove(eventType, l)
		m.logger.Warn("subscribe failed", "event_type", eventType, "error", err)
		return err
	})
}

// Unsubscribe removes l. The unsubscribe control line is sent only when
// the last listener for eventType goes away. Removing a listener that is
// not registered succeeds without touching the wire.
func (m *Multiplexer) Unsubscribe(eventType string, l Listener) *deferred.Result[struct{}] {
	if err := protocol.CheckEventType(eventType); err != nil {
		return deferred.Failed[struct{}](m.exec, err)
	}
	found, remaining := m.remove(eventType, l)
	if !found {
		m.logger.Debug("unsubscribe of unregistered listener", "event_type", eventType)
		return deferred.Resolved(m.exec, struct{}{})
	}
	if remaining > 0 {
		return deferred.Resolved(m.exec, struct{}{})
	}
	return m.send(protocol.UnsubscribeLine(eventType))
}

func (m *Multiplexer) remove(eventType string, l Listener) (found bool, remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.listeners[eventType]
	for i, x := range list {
		if x == l {
			list = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	if len(list) == 0 {
		delete(m.listeners, eventType)
	} else {
		m.listeners[eventType] = list
	}
	return found, len(list)
}

// Listeners returns how many listeners are registered for eventType.
func (m *Multiplexer) Listeners(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[eventType])
}

// handles reports whether line is an event frame for a type that was
// subscribed on this session.
func (m *Multiplexer) handles(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known[eventType]
}

// deliver queues a frame for the listeners registered right now.
func (m *Multiplexer) deliver(eventType, payload string) {
	m.mu.Lock()
	targets := append([]Listener(nil), m.listeners[eventType]...)
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	if len(targets) == 0 {
		m.logger.Debug("event without listeners", "event_type", eventType)
		return
	}
	m.stats.RecordEvent(len(targets))
	m.enqueue(output{kind: outputEvent, eventType: eventType, payload: payload, targets: targets})
}

// close stops delivery and tells disconnect listeners why.
func (m *Multiplexer) close(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var targets []Listener
	for _, list := range m.listeners {
		targets = append(targets, list...)
	}
	m.listeners = make(map[string][]Listener)
	m.mu.Unlock()

	m.enqueue(output{kind: outputDisconnect, err: cause, targets: targets})
	// Close waits for queued outputs; a listener may be the one closing
	go m.dispatch.Close()
}

func (m *Multiplexer) enqueue(out output) {
	m.dispatch.Submit(func() { m.run(out) })
}

func (m *Multiplexer) run(out output) {
	for _, l := range out.targets {
		m.invoke(l, out)
	}
}

// invoke isolates each listener so one panic cannot stop the others.
func (m *Multiplexer) invoke(l Listener, out output) {
	defer func() {
		if p := recover(); p != nil {
			m.stats.RecordListenerPanic()
			m.logger.Error("event listener panicked", "event_type", out.eventType, "panic", fmt.Sprint(p))
		}
	}()

	switch out.kind {
	case outputEvent:
		l.OnEvent(out.eventType, out.payload)
	case outputDisconnect:
		if dl, ok := l.(DisconnectListener); ok {
			dl.OnDisconnect(out.err)
		}
	}
}
