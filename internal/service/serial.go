package service

import "sync/atomic"

// Serial is the connection serial: a wrapping int32 counter advanced for
// every connect attempt. Comparisons use the signed difference, so "newer
// than" stays correct across the wrap from MaxInt32 to MinInt32 as long as
// the values compared are less than 2^31 advances apart.
type Serial struct {
	v atomic.Int32
}

// NewSerialAt returns a Serial whose current value is v.
func NewSerialAt(v int32) *Serial {
	s := &Serial{}
	s.v.Store(v)
	return s
}

// Advance issues and returns the next value.
func (s *Serial) Advance() int32 {
	return s.v.Add(1)
}

// Current returns the latest issued value.
func (s *Serial) Current() int32 {
	return s.v.Load()
}

// IsCurrent reports whether v is still the latest issued value.
func (s *Serial) IsCurrent(v int32) bool {
	return s.v.Load() == v
}

// Newer reports whether a was issued after b.
func Newer(a, b int32) bool {
	return a-b > 0
}
