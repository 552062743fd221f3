package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"+96179374241":     "96179374241",
		" 961 793 742 41 ": "96179374241",
		"0096179374241":    "96179374241",
		"+1 (555) 010-999": "1555010999",
		"9613451652":       "9613451652",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("96179374241"))
	assert.False(t, Valid("123"))
	assert.False(t, Valid("1234567890123456"))
	assert.False(t, Valid(""))
}
