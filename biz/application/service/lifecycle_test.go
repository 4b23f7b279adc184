package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/types/errno"
)

func TestClaimUnclaim(t *testing.T) {
	e := newTestEnv(t)
	c := e.openConversation(t, "u1", "g1")
	cid := c.ConversationId.Hex()
	ctx := context.Background()

	require.NoError(t, e.lifecycle.Claim(ctx, cid, "staff-1"))
	assert.Equal(t, "staff-1", c.ClaimedBy)

	// 已认领会话不可再次认领
	err := e.lifecycle.Claim(ctx, cid, "staff-2")
	assert.Equal(t, int32(errno.LifecycleAlreadyClaimedErrCode), errorx.Code(err))

	// 取消认领后可再次认领, 任意次往返
	require.NoError(t, e.lifecycle.Unclaim(ctx, cid, "staff-1"))
	assert.Empty(t, c.ClaimedBy)
	require.NoError(t, e.lifecycle.Claim(ctx, cid, "staff-2"))
	assert.Equal(t, "staff-2", c.ClaimedBy)

	require.NoError(t, e.lifecycle.Unclaim(ctx, cid, "staff-2"))
	err = e.lifecycle.Unclaim(ctx, cid, "staff-2")
	assert.Equal(t, int32(errno.LifecycleNotClaimedErrCode), errorx.Code(err))
}

func TestLifecycleForbidden(t *testing.T) {
	e := newTestEnv(t)
	e.id.admin = false
	e.id.staff = false
	c := e.openConversation(t, "u1", "g1")
	cid := c.ConversationId.Hex()
	ctx := context.Background()

	for _, err := range []error{
		e.lifecycle.Claim(ctx, cid, "rando"),
		e.lifecycle.Unclaim(ctx, cid, "rando"),
		e.lifecycle.Resolve(ctx, cid, "rando"),
		e.lifecycle.Close(ctx, cid, "rando", "bye"),
	} {
		assert.Equal(t, int32(errno.LifecycleForbiddenErrCode), errorx.Code(err))
	}
	assert.Equal(t, cst.StatusOpen, c.Status)
}

func TestLifecycleNotFound(t *testing.T) {
	e := newTestEnv(t)
	err := e.lifecycle.Claim(context.Background(), "ffffffffffffffffffffffff", "staff-1")
	assert.Equal(t, int32(errno.LifecycleNotFoundErrCode), errorx.Code(err))
}

func TestResolveSchedulesShorterAutoClose(t *testing.T) {
	e := newTestEnv(t)
	c := e.openConversation(t, "u1", "g1")
	cid := c.ConversationId.Hex()
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, e.lifecycle.Resolve(ctx, cid, "staff-1"))
	assert.Equal(t, cst.StatusResolved, c.Status)
	assert.Equal(t, "staff-1", c.ResolvedBy)

	// resolved态的关闭倒计时比普通闲置短
	closes := e.act.unprocessed(cst.ActionAutoClose)
	require.Len(t, closes, 1)
	assert.True(t, closes[0].DueAt.After(before.Add(e.cfg.Intake.ResolveCloseDelay()-time.Second)))
	assert.True(t, closes[0].DueAt.Before(before.Add(e.cfg.Intake.AutoCloseDelay())))

	// resolved不可再次resolve
	err := e.lifecycle.Resolve(ctx, cid, "staff-1")
	assert.Equal(t, int32(errno.LifecycleInvalidStatusErrCode), errorx.Code(err))
}

func TestCloseCancelsActionsAndLocksThread(t *testing.T) {
	e := newTestEnv(t)
	c := e.openConversation(t, "u1", "g1")
	cid := c.ConversationId.Hex()
	ctx := context.Background()

	// 活跃会话通常带一个待执行的闲置提醒
	_, _, err := e.relay.RelayFromUser(ctx, c, "one message before close", nil)
	require.NoError(t, err)
	require.Len(t, e.act.unprocessed(cst.ActionWarning), 1)

	require.NoError(t, e.lifecycle.Close(ctx, cid, "staff-1", "handled"))
	assert.Equal(t, cst.StatusClosed, c.Status)
	assert.Equal(t, "staff-1", c.ClosedBy)
	assert.Equal(t, "handled", c.CloseReason)
	assert.Empty(t, e.act.unprocessed(cst.ActionWarning))
	assert.Empty(t, e.act.unprocessed(cst.ActionAutoClose))
	assert.True(t, e.gw.locked[c.ThreadId])

	// closed为终态
	err = e.lifecycle.Close(ctx, cid, "staff-1", "again")
	assert.Equal(t, int32(errno.LifecycleInvalidStatusErrCode), errorx.Code(err))
}

func TestCloseFromResolved(t *testing.T) {
	e := newTestEnv(t)
	c := e.openConversation(t, "u1", "g1")
	ctx := context.Background()

	require.NoError(t, e.lifecycle.Resolve(ctx, c.ConversationId.Hex(), "staff-1"))
	require.NoError(t, e.lifecycle.Close(ctx, c.ConversationId.Hex(), "staff-1", "done"))
	assert.Equal(t, cst.StatusClosed, c.Status)
}

func TestAutoClose(t *testing.T) {
	e := newTestEnv(t)
	c := e.openConversation(t, "u1", "g1")
	cid := c.ConversationId.Hex()
	ctx := context.Background()

	require.NoError(t, e.lifecycle.AutoClose(ctx, cid, "idle for too long"))
	assert.Equal(t, cst.StatusClosed, c.Status)
	assert.Equal(t, cst.SystemActor, c.ClosedBy)
	assert.Equal(t, "idle for too long", c.CloseReason)
}

func TestAutoCloseIsNoopWhenAlreadyClosed(t *testing.T) {
	e := newTestEnv(t)
	c := e.openConversation(t, "u1", "g1")
	cid := c.ConversationId.Hex()
	ctx := context.Background()

	require.NoError(t, e.lifecycle.Close(ctx, cid, "staff-1", "handled"))
	// 残留动作触发时会话已关闭, 安全空操作
	require.NoError(t, e.lifecycle.AutoClose(ctx, cid, "idle"))
	assert.Equal(t, "staff-1", c.ClosedBy)

	// 会话不存在同样不报错
	require.NoError(t, e.lifecycle.AutoClose(ctx, "ffffffffffffffffffffffff", "idle"))
}

func TestAutoCloseRespectsDisabledFlag(t *testing.T) {
	e := newTestEnv(t)
	c := e.openConversation(t, "u1", "g1")
	cid := c.ConversationId.Hex()
	ctx := context.Background()

	require.NoError(t, e.conv.SetAutoCloseDisabled(ctx, cid, true))
	require.NoError(t, e.lifecycle.AutoClose(ctx, cid, "idle"))
	assert.Equal(t, cst.StatusOpen, c.Status)
}
