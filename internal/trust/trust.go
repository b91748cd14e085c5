// Package trust supplies TLS trust material for receiver sessions: the
// client identity, a pinned-fingerprint context for normal sessions, a
// permissive context for pairing, and the pairing records keyed by
// receiver certificate fingerprint.
package trust

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"receiverlink/internal/logging"
	"receiverlink/internal/security"
	"receiverlink/internal/store"
)

var (
	// ErrUnknownCertificate means the receiver presented a certificate
	// that is not pinned. The session requires pairing.
	ErrUnknownCertificate = errors.New("trust: receiver certificate is not trusted")
	ErrNoPeerCertificate  = errors.New("trust: receiver presented no certificate")
	ErrFingerprintChanged = errors.New("trust: record fingerprint does not match certificate")
)

const tokenSealLabel = "pairing-token"

// Fingerprint returns the SHA-256 digest of a DER encoded certificate.
func Fingerprint(der []byte) []byte {
	sum := sha256.Sum256(der)
	return sum[:]
}

// FingerprintOf returns the fingerprint of cert.
func FingerprintOf(cert *x509.Certificate) []byte {
	return Fingerprint(cert.Raw)
}

// FormatFingerprint renders a fingerprint as colon separated hex.
func FormatFingerprint(fp []byte) string {
	h := strings.ToUpper(hex.EncodeToString(fp))
	parts := make([]string, 0, len(fp))
	for i := 0; i+2 <= len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}

// Keystore is the trust-material provider. It is safe for concurrent use.
type Keystore struct {
	identity tls.Certificate
	store    *store.Store
	ownStore bool
	logger   *logging.Logger
}

// New creates a Keystore over an open store.
func New(identity tls.Certificate, st *store.Store, logger *logging.Logger) *Keystore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Keystore{identity: identity, store: st, logger: logger.WithComponent("trust")}
}

// Open loads or creates the client identity and master key in identityDir
// and opens the pairing database at dbPath with tokens sealed under the
// master key.
func Open(identityDir, dbPath string, logger *logging.Logger) (*Keystore, error) {
	identity, err := LoadOrCreateIdentity(identityDir, "receiverlink")
	if err != nil {
		return nil, err
	}

	master, err := security.LoadOrCreateMasterKey(filepath.Join(identityDir, MasterKeyFile))
	if err != nil {
		return nil, err
	}
	sealer, err := security.NewSealer(master, tokenSealLabel)
	security.Wipe(master)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(dbPath, sealer)
	if err != nil {
		return nil, err
	}

	ks := New(identity, st, logger)
	ks.ownStore = true
	return ks, nil
}

// Close closes the store if the Keystore opened it.
func (k *Keystore) Close() error {
	if k.ownStore {
		return k.store.Close()
	}
	return nil
}

// Store returns the underlying pairing store.
func (k *Keystore) Store() *store.Store {
	return k.store
}

// ClientTLSConfig returns the context for authenticated sessions. Chain
// verification is replaced by fingerprint pinning: only certificates
// recorded by a successful pairing are accepted.
func (k *Keystore) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{k.identity},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: k.verifyPinned,
		MinVersion:            tls.VersionTLS12,
	}
}

// PairingTLSConfig returns the permissive context used only while pairing.
// Any receiver certificate is accepted; the caller pins it afterwards.
func (k *Keystore) PairingTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{k.identity},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

func (k *Keystore) verifyPinned(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}
	fp := Fingerprint(rawCerts[0])
	ok, err := k.store.IsTrusted(fp)
	if err != nil {
		return fmt.Errorf("check pinned certificate: %w", err)
	}
	if !ok {
		k.logger.Info("receiver certificate not pinned", "fingerprint", FormatFingerprint(fp))
		return fmt.Errorf("%w: %s", ErrUnknownCertificate, FormatFingerprint(fp))
	}
	return nil
}

// Lookup returns the pairing record for fingerprint, or nil.
func (k *Keystore) Lookup(fingerprint []byte) (*store.PairingRecord, error) {
	return k.store.LookupByFingerprint(fingerprint)
}

// TokenFor returns the auth token paired with peer, or "" when the
// receiver is not paired.
func (k *Keystore) TokenFor(peer *x509.Certificate) (string, error) {
	rec, err := k.store.LookupByFingerprint(FingerprintOf(peer))
	if err != nil || rec == nil {
		return "", err
	}
	return rec.AuthToken, nil
}

// AddPairedDevice pins cert and stores rec as one unit. rec.Fingerprint
// must be empty or equal to the certificate fingerprint.
func (k *Keystore) AddPairedDevice(cert *x509.Certificate, rec *store.PairingRecord) error {
	fp := FingerprintOf(cert)
	if len(rec.Fingerprint) == 0 {
		rec.Fingerprint = fp
	} else if !security.SecureCompare(rec.Fingerprint, fp) {
		return ErrFingerprintChanged
	}
	if err := k.store.AddPairedDevice(rec, cert.Raw); err != nil {
		return err
	}
	k.logger.Info("paired receiver",
		"device_id", rec.DeviceID,
		"name", rec.FriendlyName,
		"fingerprint", FormatFingerprint(fp),
	)
	return nil
}

// Touch records a successful authenticated connect.
func (k *Keystore) Touch(deviceID, host string, at time.Time) error {
	return k.store.Touch(deviceID, host, at)
}

// Forget unpins a receiver and deletes its record.
func (k *Keystore) Forget(deviceID string) error {
	if err := k.store.Forget(deviceID); err != nil {
		return err
	}
	k.logger.Info("forgot receiver", "device_id", deviceID)
	return nil
}

// Devices lists every pairing record.
func (k *Keystore) Devices() ([]*store.PairingRecord, error) {
	return k.store.List()
}
