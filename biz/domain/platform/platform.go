package platform

import (
	"context"
	"errors"
	"time"

	"github.com/xh-polaris/modmail-core/biz/domain/form"
)

// 本包只定义核心依赖的外部协作者接口, 由外层bot运行时注入实现
// 核心不渲染任何用户可见内容, 也不直接持有平台SDK

// ErrTimeout 交互式选择超时, 流程据此静默过期
var ErrTimeout = errors.New("platform: interactive selection timed out")

// Attachment 消息附件元数据, 附件内容留在平台侧
type Attachment struct {
	URL  string `json:"url" bson:"url"`
	Name string `json:"name" bson:"name"`
	Size int64  `json:"size" bson:"size"`
}

// OutboundMessage 投递给对端的消息
type OutboundMessage struct {
	AuthorName  string
	AuthorRole  string
	Content     string
	Attachments []Attachment
}

// Gateway 聊天平台网关, 投递失败不影响本地状态
type Gateway interface {
	// SendToUser 投递到用户私聊频道, 返回平台消息id
	SendToUser(ctx context.Context, userId string, msg *OutboundMessage) (string, error)
	// SendToThread 投递到客服线程, 返回平台消息id
	SendToThread(ctx context.Context, threadId string, msg *OutboundMessage) (string, error)
	// CreateThread 在指定服务器创建客服线程
	CreateThread(ctx context.Context, guildId, name string) (threadId string, err error)
	// SetChannelLocked 锁定/解锁频道写权限
	SetChannelLocked(ctx context.Context, channelId string, locked bool) error
}

// Category 服务器接待配置中的一个分类
type Category struct {
	CategoryId   string
	Name         string
	Enabled      bool
	StaffRoleIds []string
	Fields       []*form.Field
}

// GuildIntakeConfig 单个服务器的接待配置
type GuildIntakeConfig struct {
	GuildId           string
	MinContentLength  int
	DuplicatePolicy   int32 // cst.DuplicateOpenOnly / cst.DuplicateOpenOrResolved
	WarningDelay      time.Duration
	AutoCloseDelay    time.Duration
	ResolveCloseDelay time.Duration
	Categories        []*Category
}

// EnabledCategories 过滤出启用的分类
func (c *GuildIntakeConfig) EnabledCategories() []*Category {
	out := make([]*Category, 0, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.Enabled {
			out = append(out, cat)
		}
	}
	return out
}

// Category 按id查找分类, 不存在返回nil
func (c *GuildIntakeConfig) Category(categoryId string) *Category {
	for _, cat := range c.Categories {
		if cat.CategoryId == categoryId {
			return cat
		}
	}
	return nil
}

// ConfigProvider 服务器级配置提供者
type ConfigProvider interface {
	// GuildIntake 获取服务器接待配置, 未配置返回nil
	GuildIntake(ctx context.Context, guildId string) (*GuildIntakeConfig, error)
	// IsBanned 用户是否被该服务器禁用此功能
	IsBanned(ctx context.Context, guildId, userId string) (bool, error)
}

// Identity 身份与权限提供者
type Identity interface {
	DisplayName(ctx context.Context, userId string) (string, error)
	MemberGuilds(ctx context.Context, userId string) ([]string, error)
	HasStaffRole(ctx context.Context, guildId, userId string, roleIds []string) (bool, error)
	IsAdmin(ctx context.Context, guildId, userId string) (bool, error)
}

// Choice 交互式单选的一个候选项
type Choice struct {
	Id    string
	Label string
}

// Prompter UI层的交互式选择入口, 实现必须尊重ctx超时并在超时后清理注册
type Prompter interface {
	// PickGuild 让用户在多个可用服务器中选择一个, 超时返回ErrTimeout
	PickGuild(ctx context.Context, userId string, choices []Choice) (string, error)
	// PickCategory 让用户在启用的分类中选择一个, 超时返回ErrTimeout
	PickCategory(ctx context.Context, userId, guildId string, choices []Choice) (string, error)
	// CollectField 向用户收集一个表单字段的答案, 超时返回ErrTimeout
	CollectField(ctx context.Context, userId string, field *form.Field) (string, error)
}

// Notifier UI层的通知出口, 核心只给数据, 文案与样式由实现决定
type Notifier interface {
	RateLimited(ctx context.Context, userId string, wait time.Duration) error
	FlowBusy(ctx context.Context, userId string) error
	NoDestination(ctx context.Context, userId string) error
	ContentTooShort(ctx context.Context, userId string, minLen int) error
	// ForceNotice 用户用--force跳过最短长度校验时的提示
	ForceNotice(ctx context.Context, userId string) error
	Created(ctx context.Context, userId, conversationId string, seqNo int64) error
	Failure(ctx context.Context, userId string) error
}

// Renderer 由UI层渲染系统消息文案, 核心负责投递与落库
type Renderer interface {
	InactivityWarning(conversationId string, seqNo int64) string
	AutoCloseReason(conversationId string, seqNo int64) string
}
