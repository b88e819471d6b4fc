package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLength(t *testing.T) {
	v := Generate()
	assert.Len(t, v, 48)
}

func TestGenerateShortLength(t *testing.T) {
	v := GenerateShort()
	assert.Len(t, v, 12)
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		v := Generate()
		_, dup := seen[v]
		assert.False(t, dup, "unexpected duplicate id %q", v)
		seen[v] = struct{}{}
	}
}
