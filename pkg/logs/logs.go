package logs

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"
)

func Infof(format string, args ...any) {
	logx.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	logx.Slowf(format, args...)
}

func Errorf(format string, args ...any) {
	logx.Errorf(format, args...)
}

func CtxInfof(ctx context.Context, format string, args ...any) {
	logx.WithContext(ctx).Infof(format, args...)
}

func CtxErrorf(ctx context.Context, format string, args ...any) {
	logx.WithContext(ctx).Errorf(format, args...)
}
