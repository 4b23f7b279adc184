package errno

import (
	"github.com/xh-polaris/modmail-core/pkg/errorx/code"
)

const (
	IntakeEmptyMessageErrCode     = 41001
	IntakeRateLimitedErrCode      = 41002
	IntakeFlowBusyErrCode         = 41003
	IntakeNoDestinationErrCode    = 41004
	IntakeBannedErrCode           = 41005
	IntakeContentTooShortErrCode  = 41006
	IntakeSelectionTimeoutErrCode = 41007
	IntakeSessionErrCode          = 41008
	IntakeCreateErrCode           = 41009
	IntakeFormInvalidErrCode      = 41010
)

func init() {
	code.Register(
		IntakeEmptyMessageErrCode,
		"消息内容为空",
		code.WithAffectStability(false),
	)
	code.Register(
		IntakeRateLimitedErrCode,
		"触发频率限制",
		code.WithAffectStability(false),
	)
	code.Register(
		IntakeFlowBusyErrCode,
		"已有进行中的会话创建流程",
		code.WithAffectStability(false),
	)
	code.Register(
		IntakeNoDestinationErrCode,
		"没有可用的接待服务器",
		code.WithAffectStability(false),
	)
	code.Register(
		IntakeBannedErrCode,
		"用户已被该服务器禁用此功能",
		code.WithAffectStability(false),
	)
	code.Register(
		IntakeContentTooShortErrCode,
		"消息内容过短",
		code.WithAffectStability(false),
	)
	code.Register(
		IntakeSelectionTimeoutErrCode,
		"选择超时, 流程已过期",
		code.WithAffectStability(false),
	)
	code.Register(
		IntakeSessionErrCode,
		"创建流程会话读写失败",
		code.WithAffectStability(true),
	)
	code.Register(
		IntakeCreateErrCode,
		"创建会话失败",
		code.WithAffectStability(true),
	)
	code.Register(
		IntakeFormInvalidErrCode,
		"表单答案校验失败",
		code.WithAffectStability(false),
	)
}
