package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrNoSealer  = errors.New("store: sealer is required")
	ErrBadRecord = errors.New("store: invalid pairing record")
)

// Sealer protects auth tokens at rest.
type Sealer interface {
	Seal(plaintext, additional []byte) ([]byte, error)
	Open(sealed, additional []byte) ([]byte, error)
}

// Store represents the SQLite pairing store.
type Store struct {
	db     *sql.DB
	sealer Sealer
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string, sealer Sealer) (*Store, error) {
	if sealer == nil {
		return nil, ErrNoSealer
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, sealer: sealer}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner) (*PairingRecord, error) {
	var r PairingRecord
	var sealed []byte
	var fpHex string
	if err := row.Scan(&r.DeviceID, &sealed, &fpHex, &r.FriendlyName, &r.LastHost, &r.LastConnected); err != nil {
		return nil, err
	}

	fp, err := hex.DecodeString(fpHex)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint of %s: %v", ErrBadRecord, r.DeviceID, err)
	}
	r.Fingerprint = fp

	token, err := s.sealer.Open(sealed, []byte(r.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("unseal token of %s: %w", r.DeviceID, err)
	}
	r.AuthToken = string(token)
	return &r, nil
}

const recordColumns = `device_id, sealed_token, fingerprint, friendly_name, last_host, last_connected`

// GetRecord retrieves a record by device id. It returns nil when absent.
func (s *Store) GetRecord(deviceID string) (*PairingRecord, error) {
	r, err := s.scanRecord(s.db.QueryRow(
		`SELECT `+recordColumns+` FROM pairing_records WHERE device_id = ?`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// LookupByFingerprint resolves fingerprint to its device id and then to the
// record. A record whose stored fingerprint differs from the one used to
// find it is reported as absent.
func (s *Store) LookupByFingerprint(fingerprint []byte) (*PairingRecord, error) {
	fpHex := hex.EncodeToString(fingerprint)

	var deviceID string
	err := s.db.QueryRow(`SELECT device_id FROM fingerprints WHERE fingerprint = ?`, fpHex).Scan(&deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	r, err := s.GetRecord(deviceID)
	if err != nil || r == nil {
		return nil, err
	}
	if r.FingerprintHex() != fpHex {
		return nil, nil
	}
	return r, nil
}

// AddPairedDevice pins der and writes rec in a single transaction. When the
// fingerprint is already paired, the existing device id is kept and the
// record is replaced.
func (s *Store) AddPairedDevice(rec *PairingRecord, der []byte) error {
	if rec == nil || len(rec.Fingerprint) == 0 || rec.AuthToken == "" {
		return ErrBadRecord
	}
	fpHex := rec.FingerprintHex()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT device_id FROM fingerprints WHERE fingerprint = ?`, fpHex).Scan(&existing)
	switch {
	case err == nil:
		rec.DeviceID = existing
	case errors.Is(err, sql.ErrNoRows):
		if rec.DeviceID == "" {
			return ErrBadRecord
		}
	default:
		return fmt.Errorf("lookup fingerprint: %w", err)
	}

	sealed, err := s.sealer.Seal([]byte(rec.AuthToken), []byte(rec.DeviceID))
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		INSERT INTO trusted_certs (fingerprint, der, added_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET der = excluded.der`,
		fpHex, der, now,
	); err != nil {
		return fmt.Errorf("insert trusted cert: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO pairing_records (device_id, sealed_token, fingerprint, friendly_name, last_host, last_connected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			sealed_token = excluded.sealed_token,
			fingerprint = excluded.fingerprint,
			friendly_name = excluded.friendly_name,
			last_host = excluded.last_host,
			last_connected = excluded.last_connected`,
		rec.DeviceID, sealed, fpHex, rec.FriendlyName, rec.LastHost, rec.LastConnected, now,
	); err != nil {
		return fmt.Errorf("upsert pairing record: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO fingerprints (fingerprint, device_id) VALUES (?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET device_id = excluded.device_id`,
		fpHex, rec.DeviceID,
	); err != nil {
		return fmt.Errorf("index fingerprint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Touch records a successful connect to host at the given time.
func (s *Store) Touch(deviceID, host string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE pairing_records SET last_host = ?, last_connected = ? WHERE device_id = ?`,
		host, at.Unix(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("touch record: %w", err)
	}
	return requireRow(res, deviceID)
}

// Forget removes a record, its fingerprint mapping and its pinned
// certificate.
func (s *Store) Forget(deviceID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fpHex string
	err = tx.QueryRow(`SELECT fingerprint FROM pairing_records WHERE device_id = ?`, deviceID).Scan(&fpHex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		}
		return fmt.Errorf("forget: %w", err)
	}

	for _, stmt := range []struct {
		query string
		arg   string
	}{
		{`DELETE FROM fingerprints WHERE device_id = ?`, deviceID},
		{`DELETE FROM pairing_records WHERE device_id = ?`, deviceID},
		{`DELETE FROM trusted_certs WHERE fingerprint = ?`, fpHex},
	} {
		if _, err := tx.Exec(stmt.query, stmt.arg); err != nil {
			return fmt.Errorf("forget: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// List returns all records ordered by friendly name.
func (s *Store) List() ([]*PairingRecord, error) {
	rows, err := s.db.Query(`SELECT ` + recordColumns + ` FROM pairing_records ORDER BY friendly_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*PairingRecord
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TrustedCerts returns every pinned certificate.
func (s *Store) TrustedCerts() ([]TrustedCert, error) {
	rows, err := s.db.Query(`SELECT fingerprint, der, added_at FROM trusted_certs ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list trusted certs: %w", err)
	}
	defer rows.Close()

	var out []TrustedCert
	for rows.Next() {
		var c TrustedCert
		var fpHex string
		if err := rows.Scan(&fpHex, &c.DER, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("scan trusted cert: %w", err)
		}
		if c.Fingerprint, err = hex.DecodeString(fpHex); err != nil {
			return nil, fmt.Errorf("%w: trusted cert fingerprint: %v", ErrBadRecord, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IsTrusted reports whether fingerprint is pinned.
func (s *Store) IsTrusted(fingerprint []byte) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trusted_certs WHERE fingerprint = ?`,
		hex.EncodeToString(fingerprint)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check trusted cert: %w", err)
	}
	return n > 0, nil
}

func requireRow(res sql.Result, deviceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return nil
}
