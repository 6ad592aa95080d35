package notify

import (
	"sync"
	"time"
)

// bucket 固定窗口计数桶
type bucket struct {
	count       int
	windowStart time.Time
}

// RateLimiter 按身份标识限流（固定窗口计数）
//
// 窗口过期的桶在下次使用时惰性重置；长期未触达的桶由
// 周期性清理回收，避免内存无界增长。
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	window  time.Duration
	max     int

	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter 创建限流器
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		window:  window,
		max:     max,
		done:    make(chan struct{}),
	}
}

// Allow 检查并记账一次操作
//
// 窗口内首次使用（或窗口已过期）时重置为 count=1 并放行；
// 否则递增计数，count ≤ max 时放行。后果由调用方决定：
// 握手阶段拒绝升级，已建立连接则丢弃消息。
func (l *RateLimiter) Allow(identity string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identity]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[identity] = &bucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= l.max
}

// RunCleanup 周期性清理过期桶，阻塞直到 Stop 被调用
func (l *RateLimiter) RunCleanup() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

// sweep 删除窗口已过期的桶
func (l *RateLimiter) sweep() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, identity)
		}
	}
}

// Stop 停止清理协程
func (l *RateLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// size 当前桶数量（测试用）
func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
