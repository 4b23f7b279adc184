package errno

import (
	"github.com/xh-polaris/modmail-core/pkg/errorx/code"
)

const (
	RelayAppendErrCode   = 43001
	RelayEditErrCode     = 43002
	RelayDeleteErrCode   = 43003
	RelayScheduleErrCode = 43004
)

func init() {
	code.Register(
		RelayAppendErrCode,
		"追加消息记录失败",
		code.WithAffectStability(true),
	)
	code.Register(
		RelayEditErrCode,
		"编辑消息记录失败",
		code.WithAffectStability(false),
	)
	code.Register(
		RelayDeleteErrCode,
		"删除消息记录失败",
		code.WithAffectStability(false),
	)
	code.Register(
		RelayScheduleErrCode,
		"更新定时动作失败",
		code.WithAffectStability(true),
	)
}
