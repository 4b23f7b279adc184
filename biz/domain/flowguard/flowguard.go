package flowguard

import "sync"

// Guard 按用户的互斥标记, 防止同一用户同时跑两个创建流程
// 获取后必须在流程的所有退出路径上释放, 包括异常路径
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// TryAcquire 尝试获取用户的流程锁, 已被占用返回false
func (g *Guard) TryAcquire(userId string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[userId]; ok {
		return false
	}
	g.active[userId] = struct{}{}
	return true
}

// Release 释放用户的流程锁, 未持有时为安全空操作
func (g *Guard) Release(userId string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, userId)
}

// Held 当前是否持有, 仅用于观测
func (g *Guard) Held(userId string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[userId]
	return ok
}
