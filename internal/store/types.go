// Package store provides SQLite-based storage of receiver pairing records
// and the certificates pinned for them.
package store

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// UnknownTime marks a PairingRecord that has never completed a connect.
const UnknownTime int64 = -1

// PairingRecord is the persisted result of a successful pairing.
type PairingRecord struct {
	// DeviceID is generated locally and never changes.
	DeviceID string

	// AuthToken is the long-lived secret issued by the receiver.
	// It is sealed at rest.
	AuthToken string

	// Fingerprint is the SHA-256 digest of the receiver certificate DER.
	Fingerprint []byte

	FriendlyName string
	LastHost     string

	// LastConnected is epoch seconds, or UnknownTime.
	LastConnected int64
}

// NewPairingRecord creates a record with a fresh device id.
func NewPairingRecord(token string, fingerprint []byte, name, host string) *PairingRecord {
	return &PairingRecord{
		DeviceID:      uuid.NewString(),
		AuthToken:     token,
		Fingerprint:   append([]byte(nil), fingerprint...),
		FriendlyName:  name,
		LastHost:      host,
		LastConnected: UnknownTime,
	}
}

// FingerprintHex returns the fingerprint in its storage encoding.
func (r *PairingRecord) FingerprintHex() string {
	return hex.EncodeToString(r.Fingerprint)
}

// LastConnectedTime returns LastConnected as a time, and false when unknown.
func (r *PairingRecord) LastConnectedTime() (time.Time, bool) {
	if r.LastConnected < 0 {
		return time.Time{}, false
	}
	return time.Unix(r.LastConnected, 0), true
}

// TrustedCert is a pinned receiver certificate.
type TrustedCert struct {
	Fingerprint []byte
	DER         []byte
	AddedAt     int64 // epoch seconds
}
