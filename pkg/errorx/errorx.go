package errorx

import (
	"errors"
	"fmt"

	"github.com/xh-polaris/modmail-core/pkg/errorx/code"
)

const unknownCode = 999

// StatusError 携带业务错误码的error
// 最佳实践:
// - 业务处理链路的末端使用StatusError, 调用方通过Code判定分支
// - 错误码与描述在types/errno中集中注册
// - 其余的error照常处理, 在边界处WrapByCode
type StatusError struct {
	code  int32
	msg   string
	cause error
}

func (e *StatusError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("code=%d, msg=%s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("code=%d, msg=%s", e.code, e.msg)
}

func (e *StatusError) Unwrap() error {
	return e.cause
}

func (e *StatusError) GetCode() int32 {
	return e.code
}

func (e *StatusError) GetMsg() string {
	return e.msg
}

// New 根据已注册的错误码构造StatusError
func New(c int32) *StatusError {
	return &StatusError{code: c, msg: code.Message(c)}
}

// WrapByCode 将底层error包装为带错误码的StatusError
func WrapByCode(err error, c int32) error {
	if err == nil {
		return nil
	}
	return &StatusError{code: c, msg: code.Message(c), cause: err}
}

// Code 提取错误链上的业务错误码, 无则返回unknownCode
func Code(err error) int32 {
	var se *StatusError
	if errors.As(err, &se) {
		return se.GetCode()
	}
	return unknownCode
}

// ErrorWithoutStack 返回不含堆栈的错误描述, 用于日志
func ErrorWithoutStack(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
