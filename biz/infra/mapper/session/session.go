package session

import (
	"time"

	"github.com/xh-polaris/modmail-core/biz/domain/form"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Session 仍在创建中的会话的短时状态, 完成或TTL过期后消失
// expire_at字段配合expireAfterSeconds:0的TTL索引由存储负责过期,
// 查询同时显式过滤expire_at, 正确性不依赖索引回收的及时性
type Session struct {
	SessionId  bson.ObjectID `json:"session_id" bson:"_id"`
	UserId     string        `json:"user_id" bson:"user_id"`
	GuildId    string        `json:"guild_id" bson:"guild_id"`
	CategoryId string        `json:"category_id,omitempty" bson:"category_id,omitempty"`

	// 已收集的表单答案与当前步骤
	Answers   []*form.Answer `json:"answers,omitempty" bson:"answers,omitempty"`
	StepIndex int32          `json:"step_index" bson:"step_index"`

	// 触发流程的首条消息, 会话创建后回放
	InitialContent     string                `json:"initial_content" bson:"initial_content"`
	InitialAttachments []platform.Attachment `json:"initial_attachments,omitempty" bson:"initial_attachments,omitempty"`

	// 流程期间到达的后续消息, 创建后按序回放
	QueuedMessages []*QueuedMessage `json:"queued_messages,omitempty" bson:"queued_messages,omitempty"`

	ExpireAt   time.Time `json:"expire_at" bson:"expire_at"`
	CreateTime time.Time `json:"create_time" bson:"create_time"`
	UpdateTime time.Time `json:"update_time" bson:"update_time"`
}

type QueuedMessage struct {
	Content     string                `json:"content" bson:"content"`
	Attachments []platform.Attachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
	CreateTime  time.Time             `json:"create_time" bson:"create_time"`
}
