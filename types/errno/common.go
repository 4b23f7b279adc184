package errno

import (
	"github.com/xh-polaris/modmail-core/pkg/errorx/code"
)

const (
	OIDErrCode         = 777
	UnImplementErrCode = 888
)

func init() {
	code.Register(
		OIDErrCode,
		"对象ID格式错误",
		code.WithAffectStability(false),
	)
	code.Register(
		UnImplementErrCode,
		"功能暂未实现",
		code.WithAffectStability(true),
	)
}
