package receiver

import (
	"errors"
	"fmt"
	"time"

	"receiverlink/internal/linecodec"
	"receiverlink/internal/protocol"
)

// loop is the session read loop. It is the only goroutine that reads from
// or writes requests to the socket after the handshake.
func (s *Session) loop() {
	defer close(s.done)

	lastExchange := time.Now()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		line, err := s.codec.ReadLine(s.opts.StatusPoll)
		switch {
		case err == nil:
			if err := s.unsolicited(line); err != nil {
				s.teardown(err)
				return
			}
		case errors.Is(err, linecodec.ErrTimeout):
			// nothing pushed
		default:
			s.teardown(s.transportError("read", err))
			return
		}

		wait := s.opts.KeepaliveInterval - time.Since(lastExchange)
		if wait > s.opts.StatusPoll {
			wait = s.opts.StatusPoll
		}
		op, ok := s.queue.pop(wait, s.stop)
		if !ok {
			if time.Since(lastExchange) < s.opts.KeepaliveInterval {
				continue
			}
			if err := s.ping(); err != nil {
				s.teardown(err)
				return
			}
			lastExchange = time.Now()
			continue
		}

		if err := s.exchange(op); err != nil {
			s.teardown(err)
			return
		}
		lastExchange = time.Now()
	}
}

// transportError reports a failed read or write. I/O failing because the
// session was already stopping is reported as closed.
func (s *Session) transportError(op string, err error) error {
	select {
	case <-s.stop:
		return newError(KindClosed, op, s.Err())
	default:
	}
	return newError(KindTransport, op, err)
}

// unsolicited handles a line that arrived outside a request/response pair:
// a readiness status or an event frame for a subscribed type. Anything else
// means the stream is out of step.
func (s *Session) unsolicited(line string) error {
	if ready, ok := protocol.IsStatus(line); ok {
		s.setReady(ready)
		return nil
	}
	eventType, payload := protocol.SplitEvent(line)
	if s.events.handles(eventType) {
		s.events.deliver(eventType, payload)
		return nil
	}
	s.logger.Error("protocol desync", "line", truncate(line, 64))
	return newError(KindProtocol, "read", fmt.Errorf("%w: unsolicited line %q", protocol.ErrUnexpectedReply, truncate(line, 64)))
}

func (s *Session) setReady(ready bool) {
	s.stats.SetReady(ready)
	if s.ready.Swap(ready) == ready {
		return
	}
	s.logger.Debug("receiver readiness changed", "ready", ready)
	if cb := s.opts.OnReadyChanged; cb != nil {
		// Edges after teardown would land behind the OnClosed callbacks
		s.mu.Lock()
		if !s.tornDown {
			s.notify.Submit(func() { cb(ready) })
		}
		s.mu.Unlock()
	}
}

// awaitReply reads the reply to the request just written. Status lines and
// event frames arriving first are handled and skipped; the deadline is not
// extended for them.
func (s *Session) awaitReply(op string) (string, error) {
	deadline := time.Now().Add(s.opts.ResponseTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", newError(KindTransport, op, fmt.Errorf("no reply within %s: %w", s.opts.ResponseTimeout, linecodec.ErrTimeout))
		}
		line, err := s.codec.ReadLine(remaining)
		if err != nil {
			if errors.Is(err, linecodec.ErrTimeout) {
				return "", newError(KindTransport, op, fmt.Errorf("no reply within %s: %w", s.opts.ResponseTimeout, err))
			}
			return "", s.transportError(op, err)
		}

		if ready, ok := protocol.IsStatus(line); ok {
			s.setReady(ready)
			continue
		}
		if eventType, payload := protocol.SplitEvent(line); eventType != line && s.events.handles(eventType) {
			s.events.deliver(eventType, payload)
			continue
		}
		return line, nil
	}
}

// exchange writes op and settles it with the correlated reply. The returned
// error is non-nil only when the session can no longer be trusted.
func (s *Session) exchange(op *operation) error {
	select {
	case <-s.stop:
		err := newError(KindClosed, op.name, s.Err())
		op.fail(err)
		return err
	default:
	}

	start := time.Now()
	if err := s.codec.WriteLine(op.words...); err != nil {
		ferr := s.transportError(op.name, err)
		op.fail(ferr)
		s.stats.RecordOperation(time.Since(start), true)
		return ferr
	}

	reply, err := s.awaitReply(op.name)
	if err != nil {
		op.fail(err)
		s.stats.RecordOperation(time.Since(start), true)
		return err
	}
	rtt := time.Since(start)

	value, derr := op.decode(reply)
	if derr != nil {
		rerr := replyError(op.name, derr)
		op.fail(rerr)
		s.stats.RecordOperation(rtt, true)
		s.logger.Debug("operation failed", "op", op.name, "kind", rerr.Kind.String())
		if rerr.Kind == KindProtocol {
			// Correlation of later replies can no longer be trusted
			return rerr
		}
		return nil
	}

	op.result.Resolve(value)
	s.stats.RecordOperation(rtt, false)
	s.logger.Debug("operation confirmed", "op", op.name, "rtt", rtt)
	return nil
}

// ping is the keepalive exchange. Anything but CONFIRM is fatal.
func (s *Session) ping() error {
	if err := s.codec.WriteLine(protocol.Ping); err != nil {
		s.stats.RecordKeepaliveFailure()
		return s.transportError(protocol.Ping, err)
	}
	reply, err := s.awaitReply(protocol.Ping)
	if err != nil {
		s.stats.RecordKeepaliveFailure()
		s.logger.Warn("keepalive failed", "error", err)
		return err
	}
	if reply != protocol.Confirm {
		s.stats.RecordKeepaliveFailure()
		return newError(KindProtocol, protocol.Ping, fmt.Errorf("%w: %q", protocol.ErrUnexpectedReply, truncate(reply, 64)))
	}
	s.stats.RecordPing()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
