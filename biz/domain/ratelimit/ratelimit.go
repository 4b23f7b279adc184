package ratelimit

import (
	"sync"
	"time"
)

// Limiter 按用户的滑动窗口限流器, 超限后进入固定冷却期
// 窗口与冷却相互独立: 一次违规只进入一次冷却, 冷却期间继续发消息不会顺延
// 进程内状态, 重启丢失是可接受的有限退化
type Limiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	cooldown  time.Duration
	hits      map[string][]time.Time
	cooldowns map[string]time.Time

	now func() time.Time // 测试注入
}

func NewLimiter(window time.Duration, max int, cooldown time.Duration) *Limiter {
	return &Limiter{
		window:    window,
		max:       max,
		cooldown:  cooldown,
		hits:      make(map[string][]time.Time),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Check 记录一次消息并判定是否限流, 返回剩余等待时间
func (l *Limiter) Check(userId string) (limited bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// 冷却期内直接拒绝, 不记录也不顺延
	if until, ok := l.cooldowns[userId]; ok {
		if now.Before(until) {
			return true, until.Sub(now)
		}
		delete(l.cooldowns, userId)
	}

	// 惰性清理窗口外的记录
	cutoff := now.Add(-l.window)
	hits := l.hits[userId]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.hits[userId] = kept

	if len(kept) > l.max {
		until := now.Add(l.cooldown)
		l.cooldowns[userId] = until
		return true, l.cooldown
	}
	return false, 0
}
