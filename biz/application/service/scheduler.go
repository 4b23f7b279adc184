package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/google/wire"
	rcron "github.com/robfig/cron/v3"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/action"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/conversation"
	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/pkg/logs"
	"github.com/xh-polaris/modmail-core/pkg/safego"
	"github.com/xh-polaris/modmail-core/types/errno"
)

type ISchedulerService interface {
	Start() error
	Stop()
	Tick(ctx context.Context)
}

// SchedulerService 轮询式持久化调度器
// 固定间隔拉取到期且未处理的动作, 逐个执行并无论成败标记已处理
// 轮询而非内存定时器: 重启后待执行动作不丢失
type SchedulerService struct {
	Config             *config.Config
	ActionMapper       action.MongoMapper
	ConversationMapper conversation.MongoMapper
	Relay              *RelayService
	Lifecycle          *LifecycleService
	Renderer           platform.Renderer

	cron     *rcron.Cron
	inFlight atomic.Bool // 上一tick未结束时跳过本次触发
}

var SchedulerServiceSet = wire.NewSet(
	wire.Struct(new(SchedulerService), "Config", "ActionMapper", "ConversationMapper", "Relay", "Lifecycle", "Renderer"),
	wire.Bind(new(ISchedulerService), new(*SchedulerService)),
)

func (s *SchedulerService) Start() error {
	s.cron = rcron.New()
	spec := fmt.Sprintf("@every %s", s.Config.Intake.PollInterval())
	if _, err := s.cron.AddFunc(spec, func() {
		s.Tick(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	logs.Infof("[scheduler] started, poll interval %s", s.Config.Intake.PollInterval())
	return nil
}

// Stop 停止触发并等待在途tick结束
func (s *SchedulerService) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	logs.Infof("[scheduler] stopped")
}

// Tick 单轮: 拉取到期批次, 逐个分发, 单个动作失败不阻塞批次
func (s *SchedulerService) Tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		logs.Warnf("[scheduler] previous tick still running, skip")
		return
	}
	defer s.inFlight.Store(false)
	defer safego.Recovery(ctx)

	runId := uuid.NewString()[:8]
	batch := int64(s.Config.Intake.PollBatch)
	actions, err := s.ActionMapper.FindDue(ctx, time.Now(), batch)
	if err != nil {
		logs.CtxErrorf(ctx, "[scheduler] [%s] find due err:%s", runId, errorx.ErrorWithoutStack(err))
		return
	}
	if len(actions) == 0 {
		return
	}
	logs.Infof("[scheduler] [%s] claimed %d due actions", runId, len(actions))

	for _, a := range actions {
		dispatchErr := s.dispatch(ctx, a)
		var errStr string
		if dispatchErr != nil {
			errStr = errorx.ErrorWithoutStack(dispatchErr)
			logs.CtxErrorf(ctx, "[scheduler] [%s] action %s kind %s err:%s",
				runId, a.ActionId.Hex(), cst.ActionItoS[a.Kind], errStr)
		}
		// 成败皆标记: 这些动作重试会带来重复提醒/重复关闭的风险
		if err := s.ActionMapper.MarkProcessed(ctx, a.ActionId, errStr); err != nil {
			logs.CtxErrorf(ctx, "[scheduler] [%s] mark processed %s err:%s",
				runId, a.ActionId.Hex(), errorx.ErrorWithoutStack(err))
		}
	}
}

func (s *SchedulerService) dispatch(ctx context.Context, a *action.ScheduledAction) error {
	switch a.Kind {
	case cst.ActionWarning:
		return s.handleWarning(ctx, a)
	case cst.ActionAutoClose:
		return s.handleAutoClose(ctx, a)
	default:
		return errorx.New(errno.SchedulerUnknownKindErrCode)
	}
}

// handleWarning 发送闲置提醒并排自动关闭
// 会话状态已前进(非open/有新用户活动/禁自动关闭)时静默跳过
func (s *SchedulerService) handleWarning(ctx context.Context, a *action.ScheduledAction) error {
	cid := a.ConversationId.Hex()
	c, err := s.ConversationMapper.FindById(ctx, cid)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil
		}
		return errorx.WrapByCode(err, errno.SchedulerDispatchErrCode)
	}
	if c.Status != cst.StatusOpen || c.AutoCloseDisabled {
		return nil
	}
	// 过期动作: 排期后用户已有活动但动作没来得及取消, 重查活动时钟而非信任负载
	if c.LastUserActivityAt.After(a.CreateTime) {
		return nil
	}

	text := s.Renderer.InactivityWarning(cid, c.SeqNo)
	rec, _, err := s.Relay.RelaySystem(ctx, c, text)
	if err != nil {
		return err
	}
	if err = s.ConversationMapper.SetWarning(ctx, cid, rec.MessageId.Hex()); err != nil {
		return errorx.WrapByCode(err, errno.SchedulerDispatchErrCode)
	}

	// 提醒已出, 排最终的自动关闭
	gs := resolveSettings(ctx, s.Relay.ConfigProvider, s.Config.Intake, c.GuildId)
	payload, err := action.EncodePayload(&action.Payload{ConversationId: cid, CategoryId: c.CategoryId})
	if err != nil {
		return errorx.WrapByCode(err, errno.SchedulerDispatchErrCode)
	}
	return s.ActionMapper.Schedule(ctx, &action.ScheduledAction{
		ConversationId: a.ConversationId,
		GuildId:        c.GuildId,
		Kind:           cst.ActionAutoClose,
		DueAt:          time.Now().Add(gs.autoCloseDelay),
		Payload:        payload,
	})
}

// handleAutoClose 闲置自动关闭, 会话已关闭或有新活动时静默跳过
func (s *SchedulerService) handleAutoClose(ctx context.Context, a *action.ScheduledAction) error {
	cid := a.ConversationId.Hex()
	c, err := s.ConversationMapper.FindById(ctx, cid)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil
		}
		return errorx.WrapByCode(err, errno.SchedulerDispatchErrCode)
	}
	if c.Status == cst.StatusClosed || c.AutoCloseDisabled {
		return nil
	}
	if c.LastUserActivityAt.After(a.CreateTime) {
		return nil
	}
	return s.Lifecycle.AutoClose(ctx, cid, s.Renderer.AutoCloseReason(cid, c.SeqNo))
}
