package code

import "sync"

// 业务错误码注册表, 各模块在init中注册自己的错误码
// 同一错误码重复注册以先注册的为准

type definition struct {
	code            int32
	msg             string
	affectStability bool
}

var (
	mu       sync.RWMutex
	registry = make(map[int32]*definition)
)

type Option func(*definition)

// WithAffectStability 标记该错误是否影响服务稳定性指标
func WithAffectStability(affect bool) Option {
	return func(d *definition) {
		d.affectStability = affect
	}
}

func Register(code int32, msg string, opts ...Option) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[code]; ok {
		return
	}
	d := &definition{code: code, msg: msg}
	for _, opt := range opts {
		opt(d)
	}
	registry[code] = d
}

// Message 获取错误码对应的描述, 未注册返回空串
func Message(code int32) string {
	mu.RLock()
	defer mu.RUnlock()
	if d, ok := registry[code]; ok {
		return d.msg
	}
	return ""
}

// AffectStability 该错误码是否计入稳定性
func AffectStability(code int32) bool {
	mu.RLock()
	defer mu.RUnlock()
	if d, ok := registry[code]; ok {
		return d.affectStability
	}
	return false
}
