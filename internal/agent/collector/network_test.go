package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNonLocalBind(t *testing.T) {
	assert.False(t, isNonLocalBind("127.0.0.1"))
	assert.False(t, isNonLocalBind("::1"))
	assert.False(t, isNonLocalBind(""))
	assert.False(t, isNonLocalBind(" Localhost "))
	assert.True(t, isNonLocalBind("0.0.0.0"))
	assert.True(t, isNonLocalBind("192.168.1.10"))
	assert.True(t, isNonLocalBind("::"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
}
