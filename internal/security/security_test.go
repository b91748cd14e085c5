package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Crypto Tests
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")
	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}

	// Should not panic on empty slice
	Wipe(nil)
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b  []byte
		equal bool
	}{
		{[]byte("hello"), []byte("hello"), true},
		{[]byte("hello"), []byte("world"), false},
		{[]byte("hello"), []byte("hell"), false},
		{nil, nil, true},
		{[]byte("a"), nil, false},
	}

	for _, tt := range tests {
		if got := SecureCompare(tt.a, tt.b); got != tt.equal {
			t.Errorf("SecureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
	if err := ValidateKeyStrength(key); err != nil {
		t.Errorf("generated key is weak: %v", err)
	}

	if _, err := GenerateKey(8); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("GenerateKey(8) error = %v, want ErrInvalidKeySize", err)
	}
}

func TestDeriveKey(t *testing.T) {
	master, _ := GenerateKey(32)

	key1, err := DeriveKey(master, []byte("salt"), []byte("info"), 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	key2, _ := DeriveKey(master, []byte("salt"), []byte("info"), 32)
	if !bytes.Equal(key1, key2) {
		t.Error("derivation not deterministic")
	}

	key3, _ := DeriveKeyWithLabel(master, "tokens", 32)
	key4, _ := DeriveKeyWithLabel(master, "other", 32)
	if bytes.Equal(key3, key4) {
		t.Error("different labels produced same key")
	}

	if _, err := DeriveKey(make([]byte, 8), nil, nil, 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("short master error = %v, want ErrWeakKey", err)
	}
}

func TestValidateKeyStrength(t *testing.T) {
	validKey, _ := GenerateKey(32)

	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"valid key", validKey, false},
		{"too short", validKey[:8], true},
		{"all zeros", make([]byte, 32), true},
		{"repeating byte", bytes.Repeat([]byte{0xAB}, 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyStrength(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyStrength() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Sealing Tests
// =============================================================================

func TestSealerRoundTrip(t *testing.T) {
	master, _ := GenerateKey(32)
	s, err := NewSealer(master, "auth-token")
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	sealed, err := s.Seal([]byte("tok-123"), []byte("device-a"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("tok-123")) {
		t.Error("sealed output contains plaintext")
	}

	plain, err := s.Open(sealed, []byte("device-a"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(plain) != "tok-123" {
		t.Errorf("Open = %q, want tok-123", plain)
	}

	// Nonces differ per seal
	again, _ := s.Seal([]byte("tok-123"), []byte("device-a"))
	if bytes.Equal(sealed, again) {
		t.Error("two seals produced identical output")
	}
}

func TestSealerRejectsTampering(t *testing.T) {
	master, _ := GenerateKey(32)
	s, _ := NewSealer(master, "auth-token")
	sealed, _ := s.Seal([]byte("tok"), []byte("device-a"))

	if _, err := s.Open(sealed, []byte("device-b")); !errors.Is(err, ErrSealedDataCorrupt) {
		t.Errorf("wrong additional data error = %v", err)
	}

	flipped := append([]byte(nil), sealed...)
	flipped[len(flipped)-1] ^= 0x01
	if _, err := s.Open(flipped, []byte("device-a")); !errors.Is(err, ErrSealedDataCorrupt) {
		t.Errorf("tampered data error = %v", err)
	}

	if _, err := s.Open(sealed[:4], []byte("device-a")); !errors.Is(err, ErrSealedDataCorrupt) {
		t.Errorf("truncated data error = %v", err)
	}

	other, _ := GenerateKey(32)
	s2, _ := NewSealer(other, "auth-token")
	if _, err := s2.Open(sealed, []byte("device-a")); !errors.Is(err, ErrSealedDataCorrupt) {
		t.Errorf("wrong key error = %v", err)
	}
}

func TestLoadOrCreateMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity", "master.key")

	key1, err := LoadOrCreateMasterKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateMasterKey failed: %v", err)
	}
	if len(key1) != RecommendedKeySize {
		t.Errorf("key length = %d, want %d", len(key1), RecommendedKeySize)
	}

	key2, err := LoadOrCreateMasterKey(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateMasterKey failed: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("master key changed between loads")
	}
}

func TestLoadOrCreateMasterKeyConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	var wg sync.WaitGroup
	keys := make([][]byte, 8)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := LoadOrCreateMasterKey(path)
			if err != nil {
				t.Errorf("LoadOrCreateMasterKey: %v", err)
				return
			}
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(keys); i++ {
		if !bytes.Equal(keys[0], keys[i]) {
			t.Fatalf("goroutine %d saw a different master key", i)
		}
	}
}

// =============================================================================
// File Tests
// =============================================================================

func TestWriteSecureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	data := []byte("secret data")

	if err := WriteSecretFile(path, data); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	got, err := ReadSecureFile(path, 0)
	if err != nil {
		t.Fatalf("ReadSecureFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}

	info, _ := os.Stat(path)
	if runtime.GOOS != "windows" && info.Mode().Perm() != PermSecretFile {
		t.Errorf("file permissions = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
	}
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")

	if err := WriteSecureFile(path, []byte("initial"), PermPublicFile); err != nil {
		t.Fatalf("WriteSecureFile failed: %v", err)
	}
	if err := WriteSecureFile(path, []byte("updated"), PermPublicFile); err != nil {
		t.Fatalf("WriteSecureFile update failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "updated" {
		t.Errorf("content = %q, want updated", got)
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestReadSecureFileChecks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}
	dir := t.TempDir()

	loose := filepath.Join(dir, "loose")
	os.WriteFile(loose, []byte("x"), 0644)
	if _, err := ReadSecureFile(loose, 0); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("loose file error = %v, want ErrInsecurePermissions", err)
	}

	big := filepath.Join(dir, "big")
	os.WriteFile(big, bytes.Repeat([]byte("x"), 64), 0600)
	if _, err := ReadSecureFile(big, 16); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("big file error = %v, want ErrFileTooLarge", err)
	}

	if _, err := ReadSecureFile("", 0); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("empty path error = %v, want ErrInvalidPath", err)
	}
}

func TestEnsureSecureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secure", "nested")

	if err := EnsureSecureDir(path); err != nil {
		t.Fatalf("EnsureSecureDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory, got file")
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != PermSecretDir {
		t.Errorf("directory permissions = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}
}

func TestWithFileLockSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op.lock")

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithFileLock(path, func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithFileLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
}

func TestFileLockUnlockTwice(t *testing.T) {
	lock, err := LockPath(filepath.Join(t.TempDir(), "x.lock"))
	if err != nil {
		t.Fatalf("LockPath failed: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Errorf("first Unlock: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Errorf("second Unlock: %v", err)
	}
}

// =============================================================================
// Failure Limiter Tests
// =============================================================================

func TestFailureLimiter(t *testing.T) {
	fl := NewFailureLimiter(
		10*time.Millisecond,  // base delay
		100*time.Millisecond, // max delay
		time.Second,          // reset after
		3,                    // max failures
		time.Minute,          // lock duration
	)
	now := time.Unix(1000, 0)
	fl.now = func() time.Time { return now }

	key := "10.0.0.2:6466"

	delay1 := fl.RecordFailure(key)
	delay2 := fl.RecordFailure(key)
	if delay2 <= delay1 {
		t.Errorf("expected exponential backoff: delay2=%v should be > delay1=%v", delay2, delay1)
	}
	if fl.IsLocked(key) {
		t.Error("locked before max failures")
	}
	if got := fl.GetDelay(key); got != delay2 {
		t.Errorf("GetDelay = %v, want %v", got, delay2)
	}

	fl.RecordFailure(key)
	if !fl.IsLocked(key) {
		t.Error("expected lock after max failures")
	}

	now = now.Add(2 * time.Minute)
	if fl.IsLocked(key) {
		t.Error("lock did not expire")
	}

	fl.RecordSuccess(key)
	if fl.GetDelay(key) != 0 {
		t.Error("expected no delay after success")
	}
	if d := fl.RecordFailure(key); d != 10*time.Millisecond {
		t.Errorf("delay after reset = %v, want base delay", d)
	}
}

func TestFailureLimiterCapsDelay(t *testing.T) {
	fl := NewFailureLimiter(time.Second, 5*time.Second, time.Hour, 0, 0)
	var d time.Duration
	for i := 0; i < 64; i++ {
		d = fl.RecordFailure("k")
	}
	if d != 5*time.Second {
		t.Errorf("delay = %v, want capped at 5s", d)
	}
	if fl.IsLocked("k") {
		t.Error("maxFailures 0 should never lock")
	}
}
