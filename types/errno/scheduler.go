package errno

import (
	"github.com/xh-polaris/modmail-core/pkg/errorx/code"
)

const (
	SchedulerUnknownKindErrCode = 44001
	SchedulerLoadErrCode        = 44002
	SchedulerDispatchErrCode    = 44003
)

func init() {
	code.Register(
		SchedulerUnknownKindErrCode,
		"未知的定时动作类型",
		code.WithAffectStability(true),
	)
	code.Register(
		SchedulerLoadErrCode,
		"拉取到期定时动作失败",
		code.WithAffectStability(true),
	)
	code.Register(
		SchedulerDispatchErrCode,
		"定时动作执行失败",
		code.WithAffectStability(false),
	)
}
