package service

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerialAdvance(t *testing.T) {
	s := &Serial{}
	first := s.Advance()
	second := s.Advance()

	assert.Equal(t, int32(1), first)
	assert.Equal(t, int32(2), second)
	assert.True(t, s.IsCurrent(second))
	assert.False(t, s.IsCurrent(first))
	assert.True(t, Newer(second, first))
	assert.False(t, Newer(first, second))
	assert.False(t, Newer(first, first))
}

func TestSerialWraps(t *testing.T) {
	s := NewSerialAt(math.MaxInt32)
	before := s.Current()

	wrapped := s.Advance()
	assert.Equal(t, int32(math.MinInt32), wrapped)
	assert.True(t, s.IsCurrent(wrapped))
	assert.True(t, Newer(wrapped, before), "first value after the wrap is newer")

	issued := []int32{before, wrapped}
	for i := 0; i < 1000; i++ {
		next := s.Advance()
		for _, old := range issued {
			assert.True(t, Newer(next, old), "%d should be newer than %d", next, old)
		}
		issued = append(issued[len(issued)-1:], next)
	}
}

func TestSerialWrapWindow(t *testing.T) {
	s := NewSerialAt(math.MaxInt32 - 5)
	var issued []int32
	for i := 0; i < 10; i++ {
		issued = append(issued, s.Advance())
	}
	for i := 1; i < len(issued); i++ {
		for j := 0; j < i; j++ {
			assert.True(t, Newer(issued[i], issued[j]), "issued[%d]=%d after issued[%d]=%d", i, issued[i], j, issued[j])
		}
	}
	assert.True(t, s.IsCurrent(issued[len(issued)-1]))
}
