package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/wire"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/action"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/conversation"
	"github.com/xh-polaris/modmail-core/pkg/ac"
	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/pkg/logs"
	"github.com/xh-polaris/modmail-core/types/errno"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type IRelayService interface {
	RelayFromUser(ctx context.Context, c *conversation.Conversation, content string, atts []platform.Attachment) (*conversation.MessageRecord, bool, error)
	RelayFromStaff(ctx context.Context, c *conversation.Conversation, staffId, content string, atts []platform.Attachment) (*conversation.MessageRecord, bool, error)
	RelaySystem(ctx context.Context, c *conversation.Conversation, content string) (*conversation.MessageRecord, bool, error)
	EditMessage(ctx context.Context, c *conversation.Conversation, mid bson.ObjectID, content string) error
	DeleteMessage(ctx context.Context, c *conversation.Conversation, mid bson.ObjectID) error
}

// RelayService 在用户私聊频道与客服线程之间双向搬运消息
// 对端投递失败不阻止本地落库, 返回部分成功而不是报错
type RelayService struct {
	Config             *config.Config
	ConversationMapper conversation.MongoMapper
	ActionMapper       action.MongoMapper
	Gateway            platform.Gateway
	Identity           platform.Identity
	ConfigProvider     platform.ConfigProvider
	Filter             *ac.Filter
}

var RelayServiceSet = wire.NewSet(
	wire.Struct(new(RelayService), "*"),
	wire.Bind(new(IRelayService), new(*RelayService)),
)

// 粗放提及在跨发到客服线程前打断, 零宽空格使其失效
var broadMentionReplacer = strings.NewReplacer(
	"@everyone", "@\u200beveryone",
	"@here", "@\u200bhere",
)

// sanitizeForStaff 跨发到客服侧前清洗用户内容
func (s *RelayService) sanitizeForStaff(content string) string {
	content = broadMentionReplacer.Replace(content)
	if s.Filter != nil {
		content = s.Filter.Mask(content)
	}
	return content
}

// RelayFromUser 用户侧入站消息: 清洗 -> 投递客服线程 -> 落库并更新活动时钟/清提醒 -> 重排定时动作
// 返回的bool表示对端投递是否成功
func (s *RelayService) RelayFromUser(ctx context.Context, c *conversation.Conversation, content string, atts []platform.Attachment) (*conversation.MessageRecord, bool, error) {
	sanitized := s.sanitizeForStaff(content)
	name := s.displayName(ctx, c.UserId)

	delivered := true
	if _, err := s.Gateway.SendToThread(ctx, c.ThreadId, &platform.OutboundMessage{
		AuthorName:  name,
		AuthorRole:  cst.User,
		Content:     sanitized,
		Attachments: atts,
	}); err != nil {
		// 投递失败只记录, 消息记录仍然落库
		logs.CtxErrorf(ctx, "[relay] deliver to thread %s err:%s", c.ThreadId, errorx.ErrorWithoutStack(err))
		delivered = false
	}

	rec := &conversation.MessageRecord{
		MessageId:        bson.NewObjectID(),
		AuthorId:         c.UserId,
		Role:             cst.RoleUser,
		Content:          sanitized,
		Attachments:      atts,
		DeliveredToUser:  true,
		DeliveredToStaff: delivered,
		CreateTime:       time.Now(),
	}
	cid := c.ConversationId.Hex()
	if err := s.ConversationMapper.AppendMessage(ctx, cid, rec, 0); err != nil {
		return nil, delivered, errorx.WrapByCode(err, errno.RelayAppendErrCode)
	}

	// 用户活动到达: 取消待执行的自动关闭, 重排闲置提醒
	// 与落库同属一个逻辑步骤, 必须在下一轮调度tick前完成
	if err := s.rescheduleOnUserActivity(ctx, c); err != nil {
		return rec, delivered, errorx.WrapByCode(err, errno.RelayScheduleErrCode)
	}
	return rec, delivered, nil
}

// RelayFromStaff 客服侧入站消息: 投递用户频道 -> 落库并更新客服活动时钟
// 提醒追踪的是用户侧沉默, 客服消息不清提醒也不重排提醒
func (s *RelayService) RelayFromStaff(ctx context.Context, c *conversation.Conversation, staffId, content string, atts []platform.Attachment) (*conversation.MessageRecord, bool, error) {
	name := s.displayName(ctx, staffId)

	delivered := true
	if _, err := s.Gateway.SendToUser(ctx, c.UserId, &platform.OutboundMessage{
		AuthorName:  name,
		AuthorRole:  cst.Staff,
		Content:     content,
		Attachments: atts,
	}); err != nil {
		logs.CtxErrorf(ctx, "[relay] deliver to user %s err:%s", c.UserId, errorx.ErrorWithoutStack(err))
		delivered = false
	}

	// 客服首次回应一条用户消息时增量累计响应耗时
	var responseMs int64
	if !c.LastUserActivityAt.IsZero() && c.LastStaffActivityAt.Before(c.LastUserActivityAt) {
		responseMs = time.Since(c.LastUserActivityAt).Milliseconds()
	}

	rec := &conversation.MessageRecord{
		MessageId:        bson.NewObjectID(),
		AuthorId:         staffId,
		Role:             cst.RoleStaff,
		Content:          content,
		Attachments:      atts,
		DeliveredToUser:  delivered,
		DeliveredToStaff: true,
		CreateTime:       time.Now(),
	}
	if err := s.ConversationMapper.AppendMessage(ctx, c.ConversationId.Hex(), rec, responseMs); err != nil {
		return nil, delivered, errorx.WrapByCode(err, errno.RelayAppendErrCode)
	}
	return rec, delivered, nil
}

// RelaySystem 系统消息: 投递到用户频道与客服线程, 落库为system角色
func (s *RelayService) RelaySystem(ctx context.Context, c *conversation.Conversation, content string) (*conversation.MessageRecord, bool, error) {
	msg := &platform.OutboundMessage{AuthorRole: cst.System, Content: content}

	deliveredUser := true
	if _, err := s.Gateway.SendToUser(ctx, c.UserId, msg); err != nil {
		logs.CtxErrorf(ctx, "[relay] deliver system msg to user %s err:%s", c.UserId, errorx.ErrorWithoutStack(err))
		deliveredUser = false
	}
	deliveredStaff := true
	if _, err := s.Gateway.SendToThread(ctx, c.ThreadId, msg); err != nil {
		logs.CtxErrorf(ctx, "[relay] deliver system msg to thread %s err:%s", c.ThreadId, errorx.ErrorWithoutStack(err))
		deliveredStaff = false
	}

	rec := &conversation.MessageRecord{
		MessageId:        bson.NewObjectID(),
		AuthorId:         cst.SystemActor,
		Role:             cst.RoleSystem,
		Content:          content,
		DeliveredToUser:  deliveredUser,
		DeliveredToStaff: deliveredStaff,
		CreateTime:       time.Now(),
	}
	if err := s.ConversationMapper.AppendMessage(ctx, c.ConversationId.Hex(), rec, 0); err != nil {
		return nil, deliveredUser, errorx.WrapByCode(err, errno.RelayAppendErrCode)
	}
	return rec, deliveredUser, nil
}

// EditMessage 编辑已落库的消息, 首次编辑保留原文, 对端尽力通知
func (s *RelayService) EditMessage(ctx context.Context, c *conversation.Conversation, mid bson.ObjectID, content string) error {
	rec := c.Message(mid)
	if rec == nil {
		return errorx.New(errno.RelayEditErrCode)
	}
	original := rec.OriginalContent
	if original == "" {
		original = rec.Content
	}
	if rec.Role == cst.RoleUser {
		content = s.sanitizeForStaff(content)
	}
	if err := s.ConversationMapper.MarkEdited(ctx, c.ConversationId.Hex(), mid, content, original); err != nil {
		return errorx.WrapByCode(err, errno.RelayEditErrCode)
	}

	// 对端重发编辑后的内容, 失败不影响本地状态
	out := &platform.OutboundMessage{
		AuthorName: s.displayName(ctx, rec.AuthorId),
		AuthorRole: cst.RoleItoS[rec.Role],
		Content:    content,
	}
	var err error
	if rec.Role == cst.RoleUser {
		_, err = s.Gateway.SendToThread(ctx, c.ThreadId, out)
	} else {
		_, err = s.Gateway.SendToUser(ctx, c.UserId, out)
	}
	if err != nil {
		logs.CtxErrorf(ctx, "[relay] notify edit err:%s", errorx.ErrorWithoutStack(err))
	}
	return nil
}

// DeleteMessage 标记消息删除, 原文保留在记录里
func (s *RelayService) DeleteMessage(ctx context.Context, c *conversation.Conversation, mid bson.ObjectID) error {
	if c.Message(mid) == nil {
		return errorx.New(errno.RelayDeleteErrCode)
	}
	if err := s.ConversationMapper.MarkDeleted(ctx, c.ConversationId.Hex(), mid); err != nil {
		return errorx.WrapByCode(err, errno.RelayDeleteErrCode)
	}
	return nil
}

// rescheduleOnUserActivity 用户活动后的定时动作重排: 取消auto_close, 重排warning
// warning的到期时间严格晚于消息到达时间
func (s *RelayService) rescheduleOnUserActivity(ctx context.Context, c *conversation.Conversation) error {
	cid := c.ConversationId.Hex()
	if err := s.ActionMapper.Cancel(ctx, cid, cst.ActionAutoClose, action.CancelActivity); err != nil {
		return err
	}
	gs := resolveSettings(ctx, s.ConfigProvider, s.Config.Intake, c.GuildId)
	payload, err := action.EncodePayload(&action.Payload{ConversationId: cid, CategoryId: c.CategoryId})
	if err != nil {
		return err
	}
	return s.ActionMapper.Schedule(ctx, &action.ScheduledAction{
		ConversationId: c.ConversationId,
		GuildId:        c.GuildId,
		Kind:           cst.ActionWarning,
		DueAt:          time.Now().Add(gs.warningDelay),
		Payload:        payload,
	})
}

func (s *RelayService) displayName(ctx context.Context, userId string) string {
	if s.Identity == nil {
		return userId
	}
	name, err := s.Identity.DisplayName(ctx, userId)
	if err != nil || name == "" {
		return userId
	}
	return name
}
