package errno

import (
	"github.com/xh-polaris/modmail-core/pkg/errorx/code"
)

const (
	LifecycleNotFoundErrCode       = 42001
	LifecycleAlreadyClaimedErrCode = 42002
	LifecycleNotClaimedErrCode     = 42003
	LifecycleForbiddenErrCode      = 42004
	LifecycleInvalidStatusErrCode  = 42005
	LifecycleCloseErrCode          = 42006
)

func init() {
	code.Register(
		LifecycleNotFoundErrCode,
		"会话不存在",
		code.WithAffectStability(false),
	)
	code.Register(
		LifecycleAlreadyClaimedErrCode,
		"会话已被认领",
		code.WithAffectStability(false),
	)
	code.Register(
		LifecycleNotClaimedErrCode,
		"会话尚未被认领",
		code.WithAffectStability(false),
	)
	code.Register(
		LifecycleForbiddenErrCode,
		"没有操作该会话的权限",
		code.WithAffectStability(false),
	)
	code.Register(
		LifecycleInvalidStatusErrCode,
		"会话状态不允许该操作",
		code.WithAffectStability(false),
	)
	code.Register(
		LifecycleCloseErrCode,
		"关闭会话失败",
		code.WithAffectStability(true),
	)
}
