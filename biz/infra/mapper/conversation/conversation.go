package conversation

import (
	"time"

	"github.com/xh-polaris/modmail-core/biz/domain/form"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Conversation 一次用户与客服的完整交流记录, 即工单/modmail文档
type Conversation struct {
	ConversationId bson.ObjectID `json:"conversation_id" bson:"_id"`
	SeqNo          int64         `json:"seq_no" bson:"seq_no"` // 服务器内递增编号, 供人工引用
	UserId         string        `json:"user_id" bson:"user_id"`
	GuildId        string        `json:"guild_id" bson:"guild_id"`
	ThreadId       string        `json:"thread_id" bson:"thread_id"`                 // 客服侧线程
	UserChannelId  string        `json:"user_channel_id" bson:"user_channel_id"`     // 用户侧私聊频道
	CategoryId     string        `json:"category_id,omitempty" bson:"category_id,omitempty"`
	CategoryName   string        `json:"category_name,omitempty" bson:"category_name,omitempty"`

	Status            int32  `json:"status" bson:"status"` // open/resolved/closed, 见cst
	ClaimedBy         string `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
	AutoCloseDisabled bool   `json:"auto_close_disabled" bson:"auto_close_disabled"`

	// 活动时钟, 每侧入站消息更新各自时钟, 驱动闲置调度
	LastUserActivityAt  time.Time `json:"last_user_activity_at" bson:"last_user_activity_at"`
	LastStaffActivityAt time.Time `json:"last_staff_activity_at,omitempty" bson:"last_staff_activity_at,omitempty"`

	// 最多一个未决的闲置提醒标记, 用户活动或提醒被替换时清除
	WarningMessageId string    `json:"warning_message_id,omitempty" bson:"warning_message_id,omitempty"`
	WarningAt        time.Time `json:"warning_at,omitempty" bson:"warning_at,omitempty"`

	Messages      []*MessageRecord `json:"messages" bson:"messages"`
	FormResponses []*form.Answer   `json:"form_responses,omitempty" bson:"form_responses,omitempty"`
	Metrics       Metrics          `json:"metrics" bson:"metrics"`

	ClaimedAt   time.Time `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	ResolvedBy  string    `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	ClosedBy    string    `json:"closed_by,omitempty" bson:"closed_by,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
	CloseReason string    `json:"close_reason,omitempty" bson:"close_reason,omitempty"`

	CreateTime time.Time `json:"create_time" bson:"create_time"`
	UpdateTime time.Time `json:"update_time" bson:"update_time"`
}

// MessageRecord 会话内的一条消息, 内容只能通过编辑/删除标记变更, 原文保留
type MessageRecord struct {
	MessageId   bson.ObjectID         `json:"message_id" bson:"message_id"`
	AuthorId    string                `json:"author_id" bson:"author_id"`
	Role        int32                 `json:"role" bson:"role"` // user/staff/system, 见cst
	Content     string                `json:"content" bson:"content"`
	Attachments []platform.Attachment `json:"attachments,omitempty" bson:"attachments,omitempty"`

	// 对端投递结果, 投递失败不阻止本地落库
	DeliveredToUser  bool `json:"delivered_to_user" bson:"delivered_to_user"`
	DeliveredToStaff bool `json:"delivered_to_staff" bson:"delivered_to_staff"`

	Edited          bool      `json:"edited,omitempty" bson:"edited,omitempty"`
	OriginalContent string    `json:"original_content,omitempty" bson:"original_content,omitempty"`
	EditedAt        time.Time `json:"edited_at,omitempty" bson:"edited_at,omitempty"`
	Deleted         bool      `json:"deleted,omitempty" bson:"deleted,omitempty"`
	DeletedAt       time.Time `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`

	CreateTime time.Time `json:"create_time" bson:"create_time"`
}

// Metrics 随消息追加增量维护的统计, 不做全量扫描重算
type Metrics struct {
	TotalMessages   int64 `json:"total_messages" bson:"total_messages"`
	UserMessages    int64 `json:"user_messages" bson:"user_messages"`
	StaffMessages   int64 `json:"staff_messages" bson:"staff_messages"`
	SystemMessages  int64 `json:"system_messages" bson:"system_messages"`
	Attachments     int64 `json:"attachments" bson:"attachments"`
	ResponseTotalMs int64 `json:"response_total_ms" bson:"response_total_ms"` // 客服响应耗时累计
	ResponseCount   int64 `json:"response_count" bson:"response_count"`
}

// Message 按消息id查找记录, 不存在返回nil
func (c *Conversation) Message(messageId bson.ObjectID) *MessageRecord {
	for _, m := range c.Messages {
		if m.MessageId == messageId {
			return m
		}
	}
	return nil
}
