package trust_test

import (
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiverlink/internal/receiver"
	"receiverlink/internal/receivertest"
	"receiverlink/internal/store"
	"receiverlink/internal/trust"
)

func openKeystore(t *testing.T) *trust.Keystore {
	t.Helper()
	dir := t.TempDir()
	ks, err := trust.Open(filepath.Join(dir, "identity"), filepath.Join(dir, "pairings.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func dialOptions() receiver.Options {
	return receiver.Options{
		ConnectTimeout:  2 * time.Second,
		ResponseTimeout: 500 * time.Millisecond,
		StatusPoll:      10 * time.Millisecond,
	}
}

func TestIdentityPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "identity")

	first, err := trust.LoadOrCreateIdentity(dir, "receiverlink")
	require.NoError(t, err)
	second, err := trust.LoadOrCreateIdentity(dir, "receiverlink")
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "receiverlink", leaf.Subject.CommonName)
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	info, err := os.Stat(filepath.Join(dir, trust.KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestIdentityRegeneratedWithoutKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "identity")
	first, err := trust.LoadOrCreateIdentity(dir, "receiverlink")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, trust.KeyFile)))
	second, err := trust.LoadOrCreateIdentity(dir, "receiverlink")
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "0A:FF:10", trust.FormatFingerprint([]byte{0x0a, 0xff, 0x10}))
	assert.Equal(t, "", trust.FormatFingerprint(nil))
	assert.Len(t, trust.Fingerprint([]byte("der")), 32)
}

func TestUnknownCertificateRequiresPairing(t *testing.T) {
	ks := openKeystore(t)
	srv := receivertest.Start(t, receivertest.Config{})
	spec := receiver.Spec{Host: srv.Host(), Port: srv.Port()}

	_, err := receiver.Dial(context.Background(), spec, ks.ClientTLSConfig(), ks.TokenFor, dialOptions())
	require.Error(t, err)
	assert.Equal(t, receiver.KindRequiresPairing, receiver.KindOf(err))
	assert.True(t, errors.Is(err, trust.ErrUnknownCertificate))
	assert.Empty(t, srv.Received())
}

func TestPinnedCertificateConnects(t *testing.T) {
	ks := openKeystore(t)
	srv := receivertest.Start(t, receivertest.Config{})

	rec := store.NewPairingRecord(srv.Token(), nil, "Den", srv.Host())
	require.NoError(t, ks.AddPairedDevice(srv.Certificate(), rec))

	token, err := ks.TokenFor(srv.Certificate())
	require.NoError(t, err)
	assert.Equal(t, srv.Token(), token)

	spec := receiver.Spec{Host: srv.Host(), Port: srv.Port()}
	s, err := receiver.Dial(context.Background(), spec, ks.ClientTLSConfig(), ks.TokenFor, dialOptions())
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Alive())
}

func TestPairingConfigAcceptsAnyCertificate(t *testing.T) {
	ks := openKeystore(t)
	srv := receivertest.Start(t, receivertest.Config{})
	spec := receiver.Spec{Host: srv.Host(), Port: srv.Port(), Pairing: true}

	s, err := receiver.Dial(context.Background(), spec, ks.PairingTLSConfig(), nil, dialOptions())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, srv.Certificate().Raw, s.PeerCertificate().Raw)
}

func TestAddPairedDeviceFingerprintMismatch(t *testing.T) {
	ks := openKeystore(t)
	srv := receivertest.Start(t, receivertest.Config{})

	rec := store.NewPairingRecord("tok", []byte("not the fingerprint"), "Den", srv.Host())
	err := ks.AddPairedDevice(srv.Certificate(), rec)
	assert.ErrorIs(t, err, trust.ErrFingerprintChanged)

	devices, err := ks.Devices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestForgetUnpins(t *testing.T) {
	ks := openKeystore(t)
	srv := receivertest.Start(t, receivertest.Config{})

	rec := store.NewPairingRecord(srv.Token(), nil, "Den", srv.Host())
	require.NoError(t, ks.AddPairedDevice(srv.Certificate(), rec))
	require.NoError(t, ks.Forget(rec.DeviceID))

	token, err := ks.TokenFor(srv.Certificate())
	require.NoError(t, err)
	assert.Empty(t, token)

	spec := receiver.Spec{Host: srv.Host(), Port: srv.Port()}
	_, err = receiver.Dial(context.Background(), spec, ks.ClientTLSConfig(), ks.TokenFor, dialOptions())
	assert.Equal(t, receiver.KindRequiresPairing, receiver.KindOf(err))
}

func TestKeystoreReopenKeepsPairing(t *testing.T) {
	dir := t.TempDir()
	idDir, db := filepath.Join(dir, "identity"), filepath.Join(dir, "pairings.db")
	srv := receivertest.Start(t, receivertest.Config{})

	ks, err := trust.Open(idDir, db, nil)
	require.NoError(t, err)
	rec := store.NewPairingRecord(srv.Token(), nil, "Den", srv.Host())
	require.NoError(t, ks.AddPairedDevice(srv.Certificate(), rec))
	require.NoError(t, ks.Close())

	ks, err = trust.Open(idDir, db, nil)
	require.NoError(t, err)
	defer ks.Close()

	got, err := ks.Lookup(trust.FingerprintOf(srv.Certificate()))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.DeviceID, got.DeviceID)
	assert.Equal(t, srv.Token(), got.AuthToken)
}
