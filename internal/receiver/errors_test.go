package receiver

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"receiverlink/internal/deferred"
	"receiverlink/internal/protocol"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindRequiresPairing, "INIT_CONNECT", protocol.ErrReplyUnauthorized))

	assert.True(t, errors.Is(err, ErrRequiresPairing))
	assert.True(t, errors.Is(err, protocol.ErrReplyUnauthorized))
	assert.False(t, errors.Is(err, ErrTransport))
	assert.Equal(t, KindRequiresPairing, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "receiver: closed", newError(KindClosed, "", nil).Error())
	assert.Equal(t, "receiver: PING: transport: eof",
		newError(KindTransport, "PING", errors.New("eof")).Error())
	assert.Equal(t, "receiver: read: protocol: unexpected reply",
		newError(KindProtocol, "read", protocol.ErrUnexpectedReply).Error())
	assert.Equal(t, "receiver: DPAD_UP: protocol: unexpected reply: \"HELLO\"",
		newError(KindProtocol, "DPAD_UP", fmt.Errorf("%w: %q", protocol.ErrUnexpectedReply, "HELLO")).Error())
	assert.Equal(t, "receiver: handshake: unauthorized: protocol: receiver replied UNAUTHORIZED",
		newError(KindUnauthorized, "handshake", protocol.ErrReplyUnauthorized).Error())
}

func TestKindFatal(t *testing.T) {
	assert.False(t, KindUnsupported.Fatal())
	assert.False(t, KindOperationFailed.Fatal())
	for _, k := range []Kind{KindTransport, KindProtocol, KindRequiresPairing, KindClosed} {
		assert.True(t, k.Fatal(), k.String())
	}
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestReplyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"err", protocol.DecodeBasic(protocol.Err), KindOperationFailed},
		{"unsupported", protocol.DecodeBasic(protocol.Unsupported), KindUnsupported},
		{"unauthorized", protocol.ErrReplyUnauthorized, KindUnauthorized},
		{"garbage", protocol.DecodeBasic("GARBAGE"), KindProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, replyError("op", tc.err).Kind)
		})
	}
}

func TestQueueDrainFailsEveryOperation(t *testing.T) {
	q := newOpQueue(4)
	var results []*deferred.Result[string]
	for i := 0; i < 3; i++ {
		r := deferred.New[string](deferred.DefaultPool())
		results = append(results, r)
		assert.NoError(t, q.push(&operation{name: "op", result: r}))
	}

	assert.Equal(t, 3, q.drain(newError(KindClosed, "", nil)))
	for _, r := range results {
		assert.True(t, r.Settled())
	}
	assert.ErrorIs(t, q.push(&operation{}), ErrClosed)
	assert.Zero(t, q.drain(nil))
}

func TestQueueFullAndPop(t *testing.T) {
	q := newOpQueue(1)
	first := &operation{name: "first"}
	assert.NoError(t, q.push(first))
	assert.ErrorIs(t, q.push(&operation{}), ErrQueueFull)

	op, ok := q.pop(0, nil)
	assert.True(t, ok)
	assert.Same(t, first, op)

	start := time.Now()
	_, ok = q.pop(20*time.Millisecond, nil)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	stop := make(chan struct{})
	close(stop)
	_, ok = q.pop(time.Hour, stop)
	assert.False(t, ok)
}
