package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnRateLimiterBurstPerConnection(t *testing.T) {
	rl := NewConnRateLimiter(0.001, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("a"), "message %d", i)
	}
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per connection")

	rl.Forget("a")
	assert.True(t, rl.Allow("a"), "a forgotten connection starts fresh")
}

func TestConnRateLimiterDisabled(t *testing.T) {
	rl := NewConnRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("a") {
			t.Fatalf("message %d limited", i)
		}
	}
}
