package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllow(t *testing.T) {
	l := NewRateLimiter(time.Minute, 3)

	assert.True(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-1"))
	// 第 max+1 次被拒
	assert.False(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))

	// 不同身份互不影响
	assert.True(t, l.Allow("user-2"))
}

func TestRateLimiterWindowReset(t *testing.T) {
	l := NewRateLimiter(50*time.Millisecond, 1)

	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))

	time.Sleep(60 * time.Millisecond)

	// 窗口过期后惰性重置，重新放行
	assert.True(t, l.Allow("user-1"))
}

func TestRateLimiterSweep(t *testing.T) {
	l := NewRateLimiter(30*time.Millisecond, 10)

	l.Allow("user-1")
	l.Allow("user-2")
	assert.Equal(t, 2, l.size())

	time.Sleep(40 * time.Millisecond)
	l.sweep()
	assert.Equal(t, 0, l.size())
}

func TestRateLimiterStop(t *testing.T) {
	l := NewRateLimiter(10*time.Millisecond, 1)

	done := make(chan struct{})
	go func() {
		l.RunCleanup()
		close(done)
	}()

	l.Stop()
	// Stop 可重复调用
	l.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not exit after Stop")
	}
}
