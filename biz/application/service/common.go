package service

import (
	"context"
	"time"

	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
)

// guildSettings 服务器级生效参数, 服务器配置缺省字段回退到进程级默认值
type guildSettings struct {
	minContentLength  int
	duplicatePolicy   int32
	warningDelay      time.Duration
	autoCloseDelay    time.Duration
	resolveCloseDelay time.Duration
}

// resolveSettings 合并服务器配置与进程默认值, 配置读取失败按全默认处理
func resolveSettings(ctx context.Context, provider platform.ConfigProvider, def config.Intake, guildId string) guildSettings {
	gs := guildSettings{
		minContentLength:  def.MinContentLength,
		duplicatePolicy:   cst.DuplicateOpenOnly,
		warningDelay:      def.WarningDelay(),
		autoCloseDelay:    def.AutoCloseDelay(),
		resolveCloseDelay: def.ResolveCloseDelay(),
	}
	if provider == nil {
		return gs
	}
	cfg, err := provider.GuildIntake(ctx, guildId)
	if err != nil || cfg == nil {
		return gs
	}
	if cfg.MinContentLength > 0 {
		gs.minContentLength = cfg.MinContentLength
	}
	gs.duplicatePolicy = cfg.DuplicatePolicy
	if cfg.WarningDelay > 0 {
		gs.warningDelay = cfg.WarningDelay
	}
	if cfg.AutoCloseDelay > 0 {
		gs.autoCloseDelay = cfg.AutoCloseDelay
	}
	if cfg.ResolveCloseDelay > 0 {
		gs.resolveCloseDelay = cfg.ResolveCloseDelay
	}
	return gs
}

// staffAllowed 分类客服角色或管理员可操作
func staffAllowed(ctx context.Context, provider platform.ConfigProvider, identity platform.Identity, guildId, categoryId, actorId string) (bool, error) {
	var roleIds []string
	if cfg, err := provider.GuildIntake(ctx, guildId); err == nil && cfg != nil {
		if cat := cfg.Category(categoryId); cat != nil {
			roleIds = cat.StaffRoleIds
		}
	}
	if len(roleIds) > 0 {
		if ok, err := identity.HasStaffRole(ctx, guildId, actorId, roleIds); err == nil && ok {
			return true, nil
		}
	}
	return identity.IsAdmin(ctx, guildId, actorId)
}

// duplicateStatuses 重复会话判定策略对应的状态集合
func duplicateStatuses(policy int32) []int32 {
	if policy == cst.DuplicateOpenOrResolved {
		return []int32{cst.StatusOpen, cst.StatusResolved}
	}
	return []int32{cst.StatusOpen}
}
