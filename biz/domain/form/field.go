package form

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/types/errno"
)

// Kind 表单字段类型, 封闭枚举, 校验与渲染边界都要求穷尽处理
type Kind int32

const (
	KindShortText Kind = 0
	KindParagraph Kind = 1
	KindSelect    Kind = 2
	KindNumber    Kind = 3
)

var (
	KindStoI = map[string]Kind{"short_text": KindShortText, "paragraph": KindParagraph, "select": KindSelect, "number": KindNumber}
	KindItoS = map[Kind]string{KindShortText: "short_text", KindParagraph: "paragraph", KindSelect: "select", KindNumber: "number"}
)

// Field 分类配置中定义的一个必填/选填表单项
type Field struct {
	FieldId  string   `json:"field_id" bson:"field_id"`
	Label    string   `json:"label" bson:"label"`
	Kind     Kind     `json:"kind" bson:"kind"`
	Required bool     `json:"required" bson:"required"`
	MinLen   int      `json:"min_len,omitempty" bson:"min_len,omitempty"`
	MaxLen   int      `json:"max_len,omitempty" bson:"max_len,omitempty"`
	Options  []string `json:"options,omitempty" bson:"options,omitempty"` // 仅select使用
}

// Answer 一条已收集的表单答案
type Answer struct {
	FieldId string `json:"field_id" bson:"field_id"`
	Value   string `json:"value" bson:"value"`
}

const (
	shortTextMaxLen = 256
	paragraphMaxLen = 4000
)

// Validate 按字段类型校验答案, 不合法返回带错误码的error
func (f *Field) Validate(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		if f.Required {
			return errorx.WrapByCode(fmt.Errorf("field %s: required", f.FieldId), errno.IntakeFormInvalidErrCode)
		}
		return nil
	}

	switch f.Kind {
	case KindShortText:
		return f.validateLength(value, shortTextMaxLen)
	case KindParagraph:
		return f.validateLength(value, paragraphMaxLen)
	case KindSelect:
		for _, opt := range f.Options {
			if value == opt {
				return nil
			}
		}
		return errorx.WrapByCode(fmt.Errorf("field %s: %q is not an option", f.FieldId, value), errno.IntakeFormInvalidErrCode)
	case KindNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return errorx.WrapByCode(fmt.Errorf("field %s: %q is not a number", f.FieldId, value), errno.IntakeFormInvalidErrCode)
		}
		return nil
	default:
		return errorx.WrapByCode(fmt.Errorf("field %s: unknown kind %d", f.FieldId, f.Kind), errno.IntakeFormInvalidErrCode)
	}
}

func (f *Field) validateLength(value string, cap int) error {
	max := f.MaxLen
	if max <= 0 || max > cap {
		max = cap
	}
	n := len([]rune(value))
	if n < f.MinLen || n > max {
		return errorx.WrapByCode(
			fmt.Errorf("field %s: length %d out of range [%d,%d]", f.FieldId, n, f.MinLen, max),
			errno.IntakeFormInvalidErrCode)
	}
	return nil
}
