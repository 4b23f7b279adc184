package provider

import (
	"github.com/google/wire"
	"github.com/xh-polaris/modmail-core/biz/application/service"
	"github.com/xh-polaris/modmail-core/biz/domain/flowguard"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"github.com/xh-polaris/modmail-core/biz/domain/ratelimit"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/action"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/conversation"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/session"
	"github.com/xh-polaris/modmail-core/pkg/ac"
	"github.com/zeromicro/go-zero/core/proc"
)

var provider *Provider

// Platform 外层bot运行时注入的协作者实现, 核心不持有平台SDK
type Platform struct {
	Gateway  platform.Gateway
	Identity platform.Identity
	Config   platform.ConfigProvider
	Prompter platform.Prompter
	Notifier platform.Notifier
	Renderer platform.Renderer
}

// Provider 提供外层运行时依赖的对象
type Provider struct {
	Config           *config.Config
	IntakeService    service.IIntakeService
	RelayService     service.IRelayService
	LifecycleService service.ILifecycleService
	SchedulerService service.ISchedulerService
}

// Init 进程启动时调用一次: 装配依赖, 启动调度器, 注册停机回调
func Init(p *Platform) {
	var err error
	provider, err = NewProvider(p)
	if err != nil {
		panic(err)
	}
	if err = provider.SchedulerService.Start(); err != nil {
		panic(err)
	}
	proc.AddShutdownListener(func() {
		provider.SchedulerService.Stop()
	})
}

func Get() *Provider {
	return provider
}

func NewProvider(p *Platform) (*Provider, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	filter, err := ac.NewFilter(cfg.Intake.BlockedWords)
	if err != nil {
		return nil, err
	}

	conversationMapper := conversation.NewConversationMongoMapper(cfg)
	sessionMapper := session.NewSessionMongoMapper(cfg)
	actionMapper := action.NewActionMongoMapper(cfg)

	// Limiter与Guard在此构造一次, 进程存续期内不销毁
	limiter := ratelimit.NewLimiter(cfg.Intake.RateWindow(), cfg.Intake.RateMaxMessages, cfg.Intake.RateCooldown())
	guard := flowguard.NewGuard()

	relay := &service.RelayService{
		Config:             cfg,
		ConversationMapper: conversationMapper,
		ActionMapper:       actionMapper,
		Gateway:            p.Gateway,
		Identity:           p.Identity,
		ConfigProvider:     p.Config,
		Filter:             filter,
	}
	lifecycle := &service.LifecycleService{
		Config:             cfg,
		ConversationMapper: conversationMapper,
		ActionMapper:       actionMapper,
		Gateway:            p.Gateway,
		Identity:           p.Identity,
		ConfigProvider:     p.Config,
	}
	intake := &service.IntakeService{
		Config:             cfg,
		Limiter:            limiter,
		Guard:              guard,
		SessionMapper:      sessionMapper,
		ConversationMapper: conversationMapper,
		Relay:              relay,
		Gateway:            p.Gateway,
		Identity:           p.Identity,
		ConfigProvider:     p.Config,
		Prompter:           p.Prompter,
		Notifier:           p.Notifier,
	}
	scheduler := &service.SchedulerService{
		Config:             cfg,
		ActionMapper:       actionMapper,
		ConversationMapper: conversationMapper,
		Relay:              relay,
		Lifecycle:          lifecycle,
		Renderer:           p.Renderer,
	}

	return &Provider{
		Config:           cfg,
		IntakeService:    intake,
		RelayService:     relay,
		LifecycleService: lifecycle,
		SchedulerService: scheduler,
	}, nil
}

var ApplicationSet = wire.NewSet(
	service.IntakeServiceSet,
	service.RelayServiceSet,
	service.LifecycleServiceSet,
	service.SchedulerServiceSet,
)

var DomainSet = wire.NewSet(
	NewLimiter,
	NewFilter,
	flowguard.NewGuard,
)

var InfraSet = wire.NewSet(
	config.NewConfig,
	conversation.NewConversationMongoMapper,
	session.NewSessionMongoMapper,
	action.NewActionMongoMapper,
)

var AllProvider = wire.NewSet(
	ApplicationSet,
	DomainSet,
	InfraSet,
)

func NewLimiter(c *config.Config) *ratelimit.Limiter {
	return ratelimit.NewLimiter(c.Intake.RateWindow(), c.Intake.RateMaxMessages, c.Intake.RateCooldown())
}

func NewFilter(c *config.Config) (*ac.Filter, error) {
	return ac.NewFilter(c.Intake.BlockedWords)
}
