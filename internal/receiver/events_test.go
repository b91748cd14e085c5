package receiver

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiverlink/internal/protocol"
	"receiverlink/internal/receivertest"
)

// recorder collects events and disconnects in delivery order.
type recorder struct {
	mu         sync.Mutex
	events     []string
	disconnect []error
}

func (r *recorder) OnEvent(eventType, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType+"="+payload)
}

func (r *recorder) OnDisconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnect = append(r.disconnect, err)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Disconnects() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnect...)
}

func TestSubscribeDeliversSnapshot(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{
		Snapshots: map[string]string{"VOLUME": "level=3"},
	})
	s := dialTest(t, srv, fastOptions())

	rec := &recorder{}
	_, err := await(t, s.Subscribe("VOLUME", rec))
	require.NoError(t, err)
	assert.True(t, srv.Subscribed("VOLUME"))

	assert.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"VOLUME=level=3"}, rec.Events())

	srv.PushEvent("VOLUME", "level=4")
	assert.Eventually(t, func() bool { return len(rec.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "VOLUME=level=4", rec.Events()[1])
	assert.True(t, s.Alive())
}

func TestEverySubscribeIsSent(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{
		Snapshots: map[string]string{"VOLUME": "level=1"},
	})
	s := dialTest(t, srv, fastOptions())

	first, second := &recorder{}, &recorder{}
	_, err := await(t, s.Subscribe("VOLUME", first))
	require.NoError(t, err)
	_, err = await(t, s.Subscribe("VOLUME", second))
	require.NoError(t, err)

	assert.Equal(t, []string{"EVENT_STREAM_SUBSCRIBE VOLUME", "EVENT_STREAM_SUBSCRIBE VOLUME"}, srv.Controls())
	assert.Equal(t, 2, s.Events().Listeners("VOLUME"))

	// The second snapshot reaches both listeners
	assert.Eventually(t, func() bool {
		return len(first.Events()) == 2 && len(second.Events()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnsubscribeRefcount(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	a, b := &recorder{}, &recorder{}
	_, err := await(t, s.Subscribe("INPUT", a))
	require.NoError(t, err)
	_, err = await(t, s.Subscribe("INPUT", b))
	require.NoError(t, err)

	_, err = await(t, s.Unsubscribe("INPUT", a))
	require.NoError(t, err)
	assert.True(t, srv.Subscribed("INPUT"), "one listener remains")
	assert.Len(t, srv.Controls(), 2)

	srv.PushEvent("INPUT", "text")
	assert.Eventually(t, func() bool { return len(b.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, a.Events())

	_, err = await(t, s.Unsubscribe("INPUT", b))
	require.NoError(t, err)
	assert.False(t, srv.Subscribed("INPUT"))
	assert.Equal(t, "EVENT_STREAM_UNSUBSCRIBE INPUT", srv.Controls()[2])
	assert.Zero(t, s.Events().Listeners("INPUT"))
}

func TestUnsubscribeUnknownListener(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	r := s.Unsubscribe("VOLUME", &recorder{})
	assert.True(t, r.Settled())
	_, err := await(t, r)
	assert.NoError(t, err)
	assert.Empty(t, srv.Controls())
}

func TestFailedSubscribeUnregisters(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{
		Reply: func(line string) (string, bool) {
			if line == "EVENT_STREAM_SUBSCRIBE NOPE" {
				return "ERR", true
			}
			return "", false
		},
	})
	s := dialTest(t, srv, fastOptions())

	rec := &recorder{}
	_, err := await(t, s.Subscribe("NOPE", rec))
	assert.Equal(t, KindOperationFailed, KindOf(err))
	assert.Zero(t, s.Events().Listeners("NOPE"))
	assert.True(t, s.Alive())
}

func TestSubscribeValidation(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	_, err := await(t, s.Subscribe("", &recorder{}))
	assert.Error(t, err)
	_, err = await(t, s.Subscribe("VOLUME", nil))
	assert.Error(t, err)
	assert.Empty(t, srv.Controls())
}

func TestEventTypeCannotSmuggleLines(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())
	rec := &recorder{}

	_, err := await(t, s.Subscribe("volume\nDPAD_UP", rec))
	assert.ErrorIs(t, err, protocol.ErrBadArguments)
	_, err = await(t, s.Subscribe("volume level", rec))
	assert.ErrorIs(t, err, protocol.ErrBadArguments)
	_, err = await(t, s.Unsubscribe("volume\r\nHOME", rec))
	assert.ErrorIs(t, err, protocol.ErrBadArguments)
	assert.Equal(t, 0, s.Events().Listeners("volume\nDPAD_UP"))

	// Correlation is intact
	_, err = await(t, s.Send(protocol.DpadDown))
	require.NoError(t, err)
	assert.True(t, s.Alive())
	assert.Empty(t, srv.Controls())
	assert.Equal(t, []string{"DPAD_DOWN"}, srv.Received())
}

func TestListenerPanicIsolated(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	bad := NewListener(func(string, string) { panic("boom") })
	good := &recorder{}
	_, err := await(t, s.Subscribe("VOLUME", bad))
	require.NoError(t, err)
	_, err = await(t, s.Subscribe("VOLUME", good))
	require.NoError(t, err)

	srv.PushEvent("VOLUME", "1")
	srv.PushEvent("VOLUME", "2")

	assert.Eventually(t, func() bool { return len(good.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Alive())
}

func TestEventOrdering(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	rec := &recorder{}
	_, err := await(t, s.Subscribe("SEQ", rec))
	require.NoError(t, err)

	var want []string
	for i := 0; i < 50; i++ {
		payload := fmt.Sprint(i)
		srv.PushEvent("SEQ", payload)
		want = append(want, "SEQ="+payload)
	}

	assert.Eventually(t, func() bool { return len(rec.Events()) == 50 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.Events())
}

func TestSameFunctionRegisteredTwice(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	var mu sync.Mutex
	calls := 0
	fn := func(string, string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	l1, l2 := NewListener(fn), NewListener(fn)
	_, err := await(t, s.Subscribe("VOLUME", l1))
	require.NoError(t, err)
	_, err = await(t, s.Subscribe("VOLUME", l2))
	require.NoError(t, err)

	_, err = await(t, s.Unsubscribe("VOLUME", l1))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Events().Listeners("VOLUME"))

	srv.PushEvent("VOLUME", "5")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDisconnectListener(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	rec := &recorder{}
	_, err := await(t, s.Subscribe("VOLUME", rec))
	require.NoError(t, err)

	srv.DropAll()
	waitDone(t, s)

	assert.Eventually(t, func() bool { return len(rec.Disconnects()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(rec.Disconnects()[0], ErrTransport))

	_, err = await(t, s.Subscribe("VOLUME", rec))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestUnsubscribedEventIsDesync(t *testing.T) {
	srv := receivertest.Start(t, receivertest.Config{})
	s := dialTest(t, srv, fastOptions())

	srv.Push("VOLUME level=9")
	waitDone(t, s)
	assert.Equal(t, KindProtocol, KindOf(s.Err()))
}
