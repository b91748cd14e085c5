package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"receiverlink/internal/security"
)

// Identity file names inside the identity directory.
const (
	CertFile      = "client.crt"
	KeyFile       = "client.key"
	MasterKeyFile = "master.key"
	lockFile      = "identity.lock"
)

const identityValidity = 10 * 365 * 24 * time.Hour

// LoadOrCreateIdentity returns the client certificate stored in dir,
// generating a self-signed ECDSA P-256 identity on first use. Generation is
// serialized across processes by a lock file.
func LoadOrCreateIdentity(dir, commonName string) (tls.Certificate, error) {
	if err := security.EnsureSecureDir(dir); err != nil {
		return tls.Certificate{}, fmt.Errorf("identity dir: %w", err)
	}

	var cert tls.Certificate
	err := security.WithFileLock(filepath.Join(dir, lockFile), func() error {
		var err error
		cert, err = loadIdentity(dir)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := generateIdentity(dir, commonName); err != nil {
			return err
		}
		cert, err = loadIdentity(dir)
		return err
	})
	return cert, err
}

func loadIdentity(dir string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, CertFile))
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := security.ReadSecureFile(filepath.Join(dir, KeyFile), 64<<10)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse identity: %w", err)
	}
	return cert, nil
}

func generateIdentity(dir, commonName string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(identityValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	defer security.Wipe(keyPEM)

	// Key first: a certificate without its key is unusable and is regenerated
	if err := security.WriteSecretFile(filepath.Join(dir, KeyFile), keyPEM); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := security.WriteSecureFile(filepath.Join(dir, CertFile), certPEM, security.PermPublicFile); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}
