package receiver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"receiverlink/internal/deferred"
	"receiverlink/internal/receivertest"
)

func fastOptions() Options {
	return Options{
		ConnectTimeout:    2 * time.Second,
		ResponseTimeout:   500 * time.Millisecond,
		KeepaliveInterval: time.Second,
		StatusPoll:        10 * time.Millisecond,
		WriteTimeout:      time.Second,
		QueueSize:         16,
	}
}

func specFor(srv *receivertest.Server) Spec {
	return Spec{Name: "test", Host: srv.Host(), Port: srv.Port()}
}

func insecureTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}

func staticToken(token string) TokenSource {
	return func(*x509.Certificate) (string, error) { return token, nil }
}

func dialTest(t *testing.T, srv *receivertest.Server, opts Options) *Session {
	t.Helper()
	s, err := Dial(context.Background(), specFor(srv), insecureTLS(), staticToken(srv.Token()), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func await[T any](t *testing.T, r *deferred.Result[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.Await(ctx)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}
