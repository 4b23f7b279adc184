package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/wire"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/action"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/conversation"
	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/pkg/logs"
	"github.com/xh-polaris/modmail-core/types/errno"
)

type ILifecycleService interface {
	Claim(ctx context.Context, cid, actorId string) error
	Unclaim(ctx context.Context, cid, actorId string) error
	Resolve(ctx context.Context, cid, actorId string) error
	Close(ctx context.Context, cid, actorId, reason string) error
	AutoClose(ctx context.Context, cid, reason string) error
}

// LifecycleService 会话状态机: open -> resolved -> closed, closed为终态
// claim是open下的子状态, 体现为claimed_by是否存在
type LifecycleService struct {
	Config             *config.Config
	ConversationMapper conversation.MongoMapper
	ActionMapper       action.MongoMapper
	Gateway            platform.Gateway
	Identity           platform.Identity
	ConfigProvider     platform.ConfigProvider
}

var LifecycleServiceSet = wire.NewSet(
	wire.Struct(new(LifecycleService), "*"),
	wire.Bind(new(ILifecycleService), new(*LifecycleService)),
)

// Claim 认领会话, 仅未认领的open会话, 要求分类客服角色或管理员
func (s *LifecycleService) Claim(ctx context.Context, cid, actorId string) error {
	c, err := s.load(ctx, cid)
	if err != nil {
		return err
	}
	if err = s.checkStaff(ctx, c, actorId); err != nil {
		return err
	}
	if c.Status != cst.StatusOpen {
		return errorx.New(errno.LifecycleInvalidStatusErrCode)
	}
	if c.ClaimedBy != "" {
		return errorx.New(errno.LifecycleAlreadyClaimedErrCode)
	}
	if err = s.ConversationMapper.Claim(ctx, cid, actorId); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			// 条件更新落空: 并发下已被他人认领
			return errorx.New(errno.LifecycleAlreadyClaimedErrCode)
		}
		return err
	}
	return nil
}

// Unclaim 取消认领, 仅已认领会话, 权限要求同Claim
func (s *LifecycleService) Unclaim(ctx context.Context, cid, actorId string) error {
	c, err := s.load(ctx, cid)
	if err != nil {
		return err
	}
	if err = s.checkStaff(ctx, c, actorId); err != nil {
		return err
	}
	if c.ClaimedBy == "" {
		return errorx.New(errno.LifecycleNotClaimedErrCode)
	}
	if err = s.ConversationMapper.Unclaim(ctx, cid); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return errorx.New(errno.LifecycleNotClaimedErrCode)
		}
		return err
	}
	return nil
}

// Resolve 标记已解决, 仅open有效, 并排一个比普通闲置更短的自动关闭倒计时
func (s *LifecycleService) Resolve(ctx context.Context, cid, actorId string) error {
	c, err := s.load(ctx, cid)
	if err != nil {
		return err
	}
	if err = s.checkStaff(ctx, c, actorId); err != nil {
		return err
	}
	if c.Status != cst.StatusOpen {
		return errorx.New(errno.LifecycleInvalidStatusErrCode)
	}
	if err = s.ConversationMapper.Resolve(ctx, cid, actorId); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return errorx.New(errno.LifecycleInvalidStatusErrCode)
		}
		return err
	}

	gs := resolveSettings(ctx, s.ConfigProvider, s.Config.Intake, c.GuildId)
	payload, err := action.EncodePayload(&action.Payload{ConversationId: cid, CategoryId: c.CategoryId})
	if err != nil {
		return errorx.WrapByCode(err, errno.RelayScheduleErrCode)
	}
	return s.ActionMapper.Schedule(ctx, &action.ScheduledAction{
		ConversationId: c.ConversationId,
		GuildId:        c.GuildId,
		Kind:           cst.ActionAutoClose,
		DueAt:          time.Now().Add(gs.resolveCloseDelay),
		Payload:        payload,
	})
}

// Close 关闭会话, open/resolved可关闭, 取消全部未处理定时动作并锁定线程
func (s *LifecycleService) Close(ctx context.Context, cid, actorId, reason string) error {
	c, err := s.load(ctx, cid)
	if err != nil {
		return err
	}
	if err = s.checkStaff(ctx, c, actorId); err != nil {
		return err
	}
	if c.Status == cst.StatusClosed {
		return errorx.New(errno.LifecycleInvalidStatusErrCode)
	}
	return s.close(ctx, c, actorId, reason)
}

// AutoClose 调度器触发的系统关闭, 会话已关闭时是安全空操作而非错误
// 不信任动作负载, 以会话当前状态为准
func (s *LifecycleService) AutoClose(ctx context.Context, cid, reason string) error {
	c, err := s.ConversationMapper.FindById(ctx, cid)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil
		}
		return errorx.WrapByCode(err, errno.LifecycleCloseErrCode)
	}
	if c.Status == cst.StatusClosed || c.AutoCloseDisabled {
		return nil
	}
	return s.close(ctx, c, cst.SystemActor, reason)
}

// close 状态迁移先行, 随后取消定时动作: 残留动作对closed会话是安全空操作
func (s *LifecycleService) close(ctx context.Context, c *conversation.Conversation, actorId, reason string) error {
	cid := c.ConversationId.Hex()
	if err := s.ConversationMapper.Close(ctx, cid, actorId, reason); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			// 并发下已被关闭, 视为空操作
			return nil
		}
		return errorx.WrapByCode(err, errno.LifecycleCloseErrCode)
	}
	if err := s.ActionMapper.CancelAll(ctx, cid, action.CancelClosed); err != nil {
		return errorx.WrapByCode(err, errno.LifecycleCloseErrCode)
	}
	// 锁定客服线程写权限, 失败不影响会话状态
	if err := s.Gateway.SetChannelLocked(ctx, c.ThreadId, true); err != nil {
		logs.CtxErrorf(ctx, "[lifecycle] lock thread %s err:%s", c.ThreadId, errorx.ErrorWithoutStack(err))
	}
	return nil
}

func (s *LifecycleService) load(ctx context.Context, cid string) (*conversation.Conversation, error) {
	c, err := s.ConversationMapper.FindById(ctx, cid)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, errorx.New(errno.LifecycleNotFoundErrCode)
		}
		return nil, err
	}
	return c, nil
}

// checkStaff 分类客服角色或管理员可操作, 否则Forbidden
func (s *LifecycleService) checkStaff(ctx context.Context, c *conversation.Conversation, actorId string) error {
	ok, err := staffAllowed(ctx, s.ConfigProvider, s.Identity, c.GuildId, c.CategoryId, actorId)
	if err != nil {
		return errorx.WrapByCode(err, errno.LifecycleForbiddenErrCode)
	}
	if !ok {
		return errorx.New(errno.LifecycleForbiddenErrCode)
	}
	return nil
}
