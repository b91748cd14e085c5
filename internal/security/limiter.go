package security

import (
	"sync"
	"time"
)

// FailureLimiter implements progressive delays after failures.
// Pairing uses it to slow repeated wrong codes against one receiver.
type FailureLimiter struct {
	mu           sync.Mutex
	failures     map[string]*failureRecord
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
	now          func() time.Time
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewFailureLimiter creates a new failure limiter.
func NewFailureLimiter(baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		failures:     make(map[string]*failureRecord),
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

func (fl *FailureLimiter) delayFor(count int) time.Duration {
	if count < 1 {
		return 0
	}
	shift := count - 1
	if shift > 30 {
		shift = 30
	}
	delay := fl.baseDelay * time.Duration(1<<uint(shift))
	if delay > fl.maxDelay || delay <= 0 {
		delay = fl.maxDelay
	}
	return delay
}

// RecordFailure records a failure for the given key.
// Returns the required delay before the next attempt.
func (fl *FailureLimiter) RecordFailure(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}

	if now.Sub(record.lastFailed) > fl.resetAfter {
		record.count = 0
	}

	record.count++
	record.lastFailed = now

	if fl.maxFailures > 0 && record.count >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
	}
	return fl.delayFor(record.count)
}

// IsLocked checks if the key is currently locked.
func (fl *FailureLimiter) IsLocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return false
	}
	return fl.now().Before(record.lockedUntil)
}

// RecordSuccess resets the failure count for the given key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.failures, key)
}

// GetDelay returns the remaining delay before key may try again.
func (fl *FailureLimiter) GetDelay(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return 0
	}

	elapsed := fl.now().Sub(record.lastFailed)
	delay := fl.delayFor(record.count)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}
