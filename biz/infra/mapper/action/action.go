package action

import (
	"time"

	"github.com/bytedance/sonic"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ScheduledAction 一个持久化的单发定时器, 驱动未来的状态迁移
// 不变式: 同一会话同一类型最多存在一个未处理的动作
type ScheduledAction struct {
	ActionId       bson.ObjectID `json:"action_id" bson:"_id"`
	ConversationId bson.ObjectID `json:"conversation_id" bson:"conversation_id"`
	GuildId        string        `json:"guild_id" bson:"guild_id"`
	Kind           int32         `json:"kind" bson:"kind"` // warning/auto_close, 见cst
	DueAt          time.Time     `json:"due_at" bson:"due_at"`
	Payload        string        `json:"payload,omitempty" bson:"payload,omitempty"`

	// 执行后无论成败都置位, 失败只记录不重试
	Processed   bool      `json:"processed" bson:"processed"`
	ProcessedAt time.Time `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	ProcessErr  string    `json:"process_err,omitempty" bson:"process_err,omitempty"`

	CreateTime time.Time `json:"create_time" bson:"create_time"`
}

// Payload 动作携带的不透明负载, 处理方仍需回查会话状态而非信任负载
type Payload struct {
	ConversationId string `json:"conversation_id"`
	CategoryId     string `json:"category_id,omitempty"`
}

func EncodePayload(p *Payload) (string, error) {
	b, err := sonic.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodePayload(s string) (*Payload, error) {
	p := new(Payload)
	if err := sonic.Unmarshal([]byte(s), p); err != nil {
		return nil, err
	}
	return p, nil
}
