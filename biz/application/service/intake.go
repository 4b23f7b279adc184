package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/wire"
	"github.com/xh-polaris/modmail-core/biz/domain/flowguard"
	"github.com/xh-polaris/modmail-core/biz/domain/form"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"github.com/xh-polaris/modmail-core/biz/domain/ratelimit"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/conversation"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/session"
	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/pkg/logs"
	"github.com/xh-polaris/modmail-core/types/errno"
)

type IIntakeService interface {
	OnInboundMessage(ctx context.Context, userId, userChannelId, content string, atts []platform.Attachment) error
	OpenByStaff(ctx context.Context, guildId, categoryId, userId, actorId string) (*conversation.Conversation, error)
}

// IntakeService 把一条首次私聊消息变成会话, 或接力到已有会话/在途流程
// Limiter与Guard是仅有的进程内可变共享状态, 启动时构造一次并注入
type IntakeService struct {
	Config             *config.Config
	Limiter            *ratelimit.Limiter
	Guard              *flowguard.Guard
	SessionMapper      session.MongoMapper
	ConversationMapper conversation.MongoMapper
	Relay              *RelayService
	Gateway            platform.Gateway
	Identity           platform.Identity
	ConfigProvider     platform.ConfigProvider
	Prompter           platform.Prompter
	Notifier           platform.Notifier
}

var IntakeServiceSet = wire.NewSet(
	wire.Struct(new(IntakeService), "*"),
	wire.Bind(new(IIntakeService), new(*IntakeService)),
)

// 最短长度校验的跳过标记, 按序匹配, 入库前剥除
var forceFlags = []string{"--force", "-f"}

// stripForce 剥除尾部的跳过标记, 返回清理后的内容与标记是否出现
func stripForce(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	for _, flag := range forceFlags {
		if trimmed == flag {
			return "", true
		}
		if strings.HasSuffix(trimmed, " "+flag) {
			return strings.TrimSpace(strings.TrimSuffix(trimmed, flag)), true
		}
	}
	return trimmed, false
}

// destination 一个可用的接待目的地
type destination struct {
	guildId string
	cfg     *platform.GuildIntakeConfig
}

// OnInboundMessage 用户私聊入站的总入口
// 依次: 空消息 -> 限流 -> 已有会话接力 -> 在途session排队 -> 抢流程锁 ->
// 目的地解析 -> 最短长度 -> 建session -> 表单收集 -> 建会话并回放
func (s *IntakeService) OnInboundMessage(ctx context.Context, userId, userChannelId, content string, atts []platform.Attachment) error {
	content = strings.TrimSpace(content)
	if content == "" && len(atts) == 0 {
		return errorx.New(errno.IntakeEmptyMessageErrCode)
	}

	if limited, wait := s.Limiter.Check(userId); limited {
		s.notify(ctx, func() error { return s.Notifier.RateLimited(ctx, userId, wait) })
		return nil
	}

	// 已有活跃会话: 全局判定而非按服务器, 用户侧频道是跨服务器共享的
	if c, err := s.ConversationMapper.FindActiveByUser(ctx, userId,
		[]int32{cst.StatusOpen, cst.StatusResolved}); err == nil {
		if _, _, err = s.Relay.RelayFromUser(ctx, c, content, atts); err != nil {
			logs.CtxErrorf(ctx, "[intake] relay into existing conversation err:%s", errorx.ErrorWithoutStack(err))
		}
		return nil
	} else if !errors.Is(err, conversation.ErrNotFound) {
		return s.internalFailure(ctx, userId, err, errno.IntakeSessionErrCode)
	}

	// 在途session: 排队等会话创建后回放, 排队失败(session刚过期)落回新流程
	if sess, err := s.SessionMapper.FindActiveByUser(ctx, userId); err == nil {
		qm := &session.QueuedMessage{Content: content, Attachments: atts, CreateTime: time.Now()}
		if err = s.SessionMapper.QueueMessage(ctx, sess.SessionId.Hex(), qm); err == nil {
			// 排队之后尝试恢复被中断的流程; 原流程还在进行时锁被占用, 由其继续
			if !s.Guard.TryAcquire(userId) {
				return nil
			}
			defer s.Guard.Release(userId)
			return s.resumeSession(ctx, userId, userChannelId)
		}
		if !errors.Is(err, session.ErrNotFound) {
			return s.internalFailure(ctx, userId, err, errno.IntakeSessionErrCode)
		}
	} else if !errors.Is(err, session.ErrNotFound) {
		return s.internalFailure(ctx, userId, err, errno.IntakeSessionErrCode)
	}

	if !s.Guard.TryAcquire(userId) {
		s.notify(ctx, func() error { return s.Notifier.FlowBusy(ctx, userId) })
		return nil
	}
	// 流程锁在包括panic在内的一切退出路径上释放
	defer s.Guard.Release(userId)

	return s.runSetupFlow(ctx, userId, userChannelId, content, atts)
}

// runSetupFlow 持有流程锁之后的创建流程主体
func (s *IntakeService) runSetupFlow(ctx context.Context, userId, userChannelId, content string, atts []platform.Attachment) error {
	dests, err := s.eligibleDestinations(ctx, userId)
	if err != nil {
		return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
	}
	if len(dests) == 0 {
		s.notify(ctx, func() error { return s.Notifier.NoDestination(ctx, userId) })
		return nil
	}

	dest, expired, err := s.pickDestination(ctx, userId, dests)
	if err != nil {
		return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
	}
	if expired {
		return nil
	}

	category, expired, err := s.pickCategory(ctx, userId, dest)
	if err != nil {
		return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
	}
	if expired {
		return nil
	}

	// 建会话前的最短长度策略, --force跳过但仍提示
	cleaned, forced := stripForce(content)
	gs := resolveSettings(ctx, s.ConfigProvider, s.Config.Intake, dest.guildId)
	if len([]rune(cleaned)) < gs.minContentLength {
		if !forced {
			s.notify(ctx, func() error { return s.Notifier.ContentTooShort(ctx, userId, gs.minContentLength) })
			return nil
		}
		s.notify(ctx, func() error { return s.Notifier.ForceNotice(ctx, userId) })
	}

	sess := &session.Session{
		UserId:             userId,
		GuildId:            dest.guildId,
		CategoryId:         category.CategoryId,
		InitialContent:     cleaned,
		InitialAttachments: atts,
		ExpireAt:           time.Now().Add(s.Config.Intake.SessionTTL()),
	}
	if err = s.SessionMapper.Insert(ctx, sess); err != nil {
		return s.internalFailure(ctx, userId, err, errno.IntakeSessionErrCode)
	}

	if len(category.Fields) > 0 {
		done, err := s.collectForm(ctx, userId, sess, category)
		if err != nil {
			return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
		}
		if !done {
			// 收集中断: session留存至TTL, 流程静默过期
			return nil
		}
	}

	if _, err = s.createFromSession(ctx, userId, userChannelId, sess, category); err != nil {
		return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
	}
	return nil
}

// resumeSession 接续被中断的在途流程: 从落库进度继续收集, 完成后落成会话
// session绑定的服务器或分类已不可用时按可补救程度处理, 彻底不可用才丢弃
func (s *IntakeService) resumeSession(ctx context.Context, userId, userChannelId string) error {
	sess, err := s.SessionMapper.FindActiveByUser(ctx, userId)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return s.internalFailure(ctx, userId, err, errno.IntakeSessionErrCode)
	}
	sid := sess.SessionId.Hex()

	cfg, err := s.ConfigProvider.GuildIntake(ctx, sess.GuildId)
	if err != nil || cfg == nil || len(cfg.EnabledCategories()) == 0 {
		// 服务器侧接待已整体下线, session无法再完成
		logs.CtxInfof(ctx, "[intake] session %s guild %s no longer serviceable, dropping", sid, sess.GuildId)
		return s.SessionMapper.Delete(ctx, sid)
	}

	category := cfg.Category(sess.CategoryId)
	if category == nil || !category.Enabled {
		// 原分类下线: 重新选择, 已收集的答案随分类作废
		picked, expired, err := s.pickCategory(ctx, userId, &destination{guildId: sess.GuildId, cfg: cfg})
		if err != nil {
			return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
		}
		if expired {
			return nil
		}
		if err = s.SessionMapper.SetCategory(ctx, sid, picked.CategoryId); err != nil {
			return s.internalFailure(ctx, userId, err, errno.IntakeSessionErrCode)
		}
		sess.CategoryId = picked.CategoryId
		sess.StepIndex = 0
		sess.Answers = nil
		category = picked
	}

	if int(sess.StepIndex) < len(category.Fields) {
		done, err := s.collectForm(ctx, userId, sess, category)
		if err != nil {
			return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
		}
		if !done {
			return nil
		}
	}

	if _, err = s.createFromSession(ctx, userId, userChannelId, sess, category); err != nil {
		return s.internalFailure(ctx, userId, err, errno.IntakeCreateErrCode)
	}
	return nil
}

// eligibleDestinations 计算可用目的地: 用户在该服务器 且 有启用分类的接待配置
// 且 未被禁用 且 该服务器内无按策略判定的重复会话
func (s *IntakeService) eligibleDestinations(ctx context.Context, userId string) ([]*destination, error) {
	guilds, err := s.Identity.MemberGuilds(ctx, userId)
	if err != nil {
		return nil, err
	}
	var dests []*destination
	for _, guildId := range guilds {
		cfg, err := s.ConfigProvider.GuildIntake(ctx, guildId)
		if err != nil || cfg == nil || len(cfg.EnabledCategories()) == 0 {
			continue
		}
		if banned, err := s.ConfigProvider.IsBanned(ctx, guildId, userId); err != nil || banned {
			continue
		}
		statuses := duplicateStatuses(cfg.DuplicatePolicy)
		if _, err := s.ConversationMapper.FindActiveByUserInGuild(ctx, userId, guildId, statuses); err == nil {
			continue
		} else if !errors.Is(err, conversation.ErrNotFound) {
			return nil, err
		}
		dests = append(dests, &destination{guildId: guildId, cfg: cfg})
	}
	return dests, nil
}

// pickDestination 唯一目的地直接采用, 多个进入交互单选, 超时静默过期
func (s *IntakeService) pickDestination(ctx context.Context, userId string, dests []*destination) (*destination, bool, error) {
	if len(dests) == 1 {
		return dests[0], false, nil
	}
	choices := make([]platform.Choice, len(dests))
	byId := make(map[string]*destination, len(dests))
	for i, d := range dests {
		choices[i] = platform.Choice{Id: d.guildId, Label: d.guildId}
		byId[d.guildId] = d
	}

	tctx, cancel := context.WithTimeout(ctx, s.Config.Intake.SelectionTimeout())
	defer cancel()
	picked, err := s.Prompter.PickGuild(tctx, userId, choices)
	if err != nil {
		if isSelectionTimeout(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	d, ok := byId[picked]
	if !ok {
		logs.CtxErrorf(ctx, "[intake] user %s picked unknown guild %s", userId, picked)
		return nil, true, nil
	}
	return d, false, nil
}

// pickCategory 唯一启用分类直接采用, 多个进入交互单选
func (s *IntakeService) pickCategory(ctx context.Context, userId string, dest *destination) (*platform.Category, bool, error) {
	cats := dest.cfg.EnabledCategories()
	if len(cats) == 1 {
		return cats[0], false, nil
	}
	choices := make([]platform.Choice, len(cats))
	for i, cat := range cats {
		choices[i] = platform.Choice{Id: cat.CategoryId, Label: cat.Name}
	}

	tctx, cancel := context.WithTimeout(ctx, s.Config.Intake.SelectionTimeout())
	defer cancel()
	picked, err := s.Prompter.PickCategory(tctx, userId, dest.guildId, choices)
	if err != nil {
		if isSelectionTimeout(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	cat := dest.cfg.Category(picked)
	if cat == nil || !cat.Enabled {
		logs.CtxErrorf(ctx, "[intake] user %s picked unknown category %s", userId, picked)
		return nil, true, nil
	}
	return cat, false, nil
}

// 单个字段答案的最大重试次数, 超过按流程过期处理
const maxFieldAttempts = 3

// collectForm 逐字段收集答案, 每步落库, 可在TTL内跨重启续传
// 返回false表示收集未完成(超时/重试耗尽), session留存
func (s *IntakeService) collectForm(ctx context.Context, userId string, sess *session.Session, category *platform.Category) (bool, error) {
	sid := sess.SessionId.Hex()
	for i := int(sess.StepIndex); i < len(category.Fields); i++ {
		field := category.Fields[i]

		var value string
		accepted := false
		for attempt := 0; attempt < maxFieldAttempts; attempt++ {
			tctx, cancel := context.WithTimeout(ctx, s.Config.Intake.SelectionTimeout())
			v, err := s.Prompter.CollectField(tctx, userId, field)
			cancel()
			if err != nil {
				if isSelectionTimeout(err) {
					return false, nil
				}
				return false, err
			}
			if err = field.Validate(v); err != nil {
				// 答案不合法属于用户输入错误, 重新收集
				continue
			}
			value = v
			accepted = true
			break
		}
		if !accepted {
			return false, nil
		}

		answer := &form.Answer{FieldId: field.FieldId, Value: value}
		if err := s.SessionMapper.SetAnswer(ctx, sid, answer, int32(i+1)); err != nil {
			return false, err
		}
		sess.Answers = append(sess.Answers, answer)
	}
	return true, nil
}

// createFromSession 从session落成正式会话, 回放首条与排队消息, 丢弃session
func (s *IntakeService) createFromSession(ctx context.Context, userId, userChannelId string, sess *session.Session, category *platform.Category) (*conversation.Conversation, error) {
	name := s.Relay.displayName(ctx, userId)
	threadId, err := s.Gateway.CreateThread(ctx, sess.GuildId, name)
	if err != nil {
		return nil, err
	}

	c := &conversation.Conversation{
		UserId:        userId,
		GuildId:       sess.GuildId,
		ThreadId:      threadId,
		UserChannelId: userChannelId,
		CategoryId:    category.CategoryId,
		CategoryName:  category.Name,
		FormResponses: sess.Answers,
	}
	if err = s.ConversationMapper.Insert(ctx, c); err != nil {
		return nil, err
	}
	s.notify(ctx, func() error { return s.Notifier.Created(ctx, userId, c.ConversationId.Hex(), c.SeqNo) })

	// 回放: 首条消息在前, 流程期间排队的消息按到达序在后
	if _, _, err = s.Relay.RelayFromUser(ctx, c, sess.InitialContent, sess.InitialAttachments); err != nil {
		logs.CtxErrorf(ctx, "[intake] replay initial message err:%s", errorx.ErrorWithoutStack(err))
	}
	if latest, err := s.SessionMapper.FindById(ctx, sess.SessionId.Hex()); err == nil {
		for _, qm := range latest.QueuedMessages {
			if _, _, err = s.Relay.RelayFromUser(ctx, c, qm.Content, qm.Attachments); err != nil {
				logs.CtxErrorf(ctx, "[intake] replay queued message err:%s", errorx.ErrorWithoutStack(err))
			}
		}
	}
	if err = s.SessionMapper.Delete(ctx, sess.SessionId.Hex()); err != nil {
		logs.CtxErrorf(ctx, "[intake] delete session err:%s", errorx.ErrorWithoutStack(err))
	}
	return c, nil
}

// OpenByStaff 客服显式代用户开会话, 权限与重复校验后直接落库
func (s *IntakeService) OpenByStaff(ctx context.Context, guildId, categoryId, userId, actorId string) (*conversation.Conversation, error) {
	cfg, err := s.ConfigProvider.GuildIntake(ctx, guildId)
	if err != nil || cfg == nil {
		return nil, errorx.New(errno.IntakeNoDestinationErrCode)
	}
	category := cfg.Category(categoryId)
	if category == nil || !category.Enabled {
		return nil, errorx.New(errno.IntakeNoDestinationErrCode)
	}
	if ok, err := staffAllowed(ctx, s.ConfigProvider, s.Identity, guildId, categoryId, actorId); err != nil || !ok {
		return nil, errorx.New(errno.LifecycleForbiddenErrCode)
	}

	statuses := duplicateStatuses(cfg.DuplicatePolicy)
	if _, err = s.ConversationMapper.FindActiveByUserInGuild(ctx, userId, guildId, statuses); err == nil {
		return nil, errorx.New(errno.IntakeCreateErrCode)
	} else if !errors.Is(err, conversation.ErrNotFound) {
		return nil, errorx.WrapByCode(err, errno.IntakeCreateErrCode)
	}

	// 同域的在途session被代开会话吸收: 已收集的答案与排队消息不丢
	var adopted *session.Session
	if sess, err := s.SessionMapper.FindByScope(ctx, guildId, categoryId, userId); err == nil {
		adopted = sess
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, errorx.WrapByCode(err, errno.IntakeSessionErrCode)
	}

	name := s.Relay.displayName(ctx, userId)
	threadId, err := s.Gateway.CreateThread(ctx, guildId, name)
	if err != nil {
		return nil, errorx.WrapByCode(err, errno.IntakeCreateErrCode)
	}
	c := &conversation.Conversation{
		UserId:       userId,
		GuildId:      guildId,
		ThreadId:     threadId,
		CategoryId:   category.CategoryId,
		CategoryName: category.Name,
	}
	if adopted != nil {
		c.FormResponses = adopted.Answers
	}
	if err = s.ConversationMapper.Insert(ctx, c); err != nil {
		return nil, errorx.WrapByCode(err, errno.IntakeCreateErrCode)
	}
	s.notify(ctx, func() error { return s.Notifier.Created(ctx, userId, c.ConversationId.Hex(), c.SeqNo) })

	if adopted != nil {
		if _, _, err = s.Relay.RelayFromUser(ctx, c, adopted.InitialContent, adopted.InitialAttachments); err != nil {
			logs.CtxErrorf(ctx, "[intake] replay initial message err:%s", errorx.ErrorWithoutStack(err))
		}
		for _, qm := range adopted.QueuedMessages {
			if _, _, err = s.Relay.RelayFromUser(ctx, c, qm.Content, qm.Attachments); err != nil {
				logs.CtxErrorf(ctx, "[intake] replay queued message err:%s", errorx.ErrorWithoutStack(err))
			}
		}
		if err = s.SessionMapper.Delete(ctx, adopted.SessionId.Hex()); err != nil {
			logs.CtxErrorf(ctx, "[intake] delete session err:%s", errorx.ErrorWithoutStack(err))
		}
	} else if err = s.Relay.rescheduleOnUserActivity(ctx, c); err != nil {
		logs.CtxErrorf(ctx, "[intake] schedule for staff-opened conversation err:%s", errorx.ErrorWithoutStack(err))
	}
	return c, nil
}

// internalFailure 内部错误的流程边界: 通知通用失败, 详情只进日志
func (s *IntakeService) internalFailure(ctx context.Context, userId string, err error, code int32) error {
	logs.CtxErrorf(ctx, "[intake] user %s internal err:%s", userId, errorx.ErrorWithoutStack(err))
	s.notify(ctx, func() error { return s.Notifier.Failure(ctx, userId) })
	return errorx.WrapByCode(err, code)
}

// notify 通知失败不影响流程结果, 只记日志
func (s *IntakeService) notify(ctx context.Context, fn func() error) {
	if err := fn(); err != nil {
		logs.CtxErrorf(ctx, "[intake] notify err:%s", errorx.ErrorWithoutStack(err))
	}
}

func isSelectionTimeout(err error) bool {
	return errors.Is(err, platform.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
