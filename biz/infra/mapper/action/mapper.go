package action

import (
	"context"
	"time"

	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/pkg/logs"
	"github.com/xh-polaris/modmail-core/types/errno"
	"github.com/zeromicro/go-zero/core/stores/monc"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var _ MongoMapper = (*mongoMapper)(nil)

const collection = "scheduled_action"

// 取消时写入的终态说明
const (
	CancelSuperseded = "cancelled: superseded by reschedule"
	CancelActivity   = "cancelled: counterpart activity resumed"
	CancelClosed     = "cancelled: conversation closed"
)

var ErrNotFound = monc.ErrNotFound

type MongoMapper interface {
	// Schedule 先取消同会话同类型的未处理动作再插入, 维持唯一未处理不变式
	Schedule(ctx context.Context, a *ScheduledAction) error
	// Cancel 取消某会话某类型的未处理动作, 写入终态说明
	Cancel(ctx context.Context, cid string, kind int32, reason string) error
	// CancelAll 取消某会话全部未处理动作, 关闭会话时调用
	CancelAll(ctx context.Context, cid string, reason string) error
	// FindDue 拉取到期且未处理的动作, 到期时间升序, 限量
	FindDue(ctx context.Context, now time.Time, limit int64) ([]*ScheduledAction, error)
	// MarkProcessed 标记动作已处理, 成败皆标记, 错误只记录
	MarkProcessed(ctx context.Context, aid bson.ObjectID, processErr string) error
}

type mongoMapper struct {
	conn *monc.Model
}

func NewActionMongoMapper(config *config.Config) MongoMapper {
	conn := monc.MustNewModel(config.Mongo.URL, config.Mongo.DB, collection, config.Cache)
	return &mongoMapper{conn: conn}
}

func (m *mongoMapper) Schedule(ctx context.Context, a *ScheduledAction) error {
	if err := m.cancel(ctx, a.ConversationId, bson.M{cst.Kind: a.Kind}, CancelSuperseded); err != nil {
		return err
	}
	a.ActionId = bson.NewObjectID()
	a.Processed = false
	a.CreateTime = time.Now()
	_, err := m.conn.InsertOneNoCache(ctx, a)
	if err != nil {
		logs.Errorf("[mapper] [action] [Schedule] insert err:%s", errorx.ErrorWithoutStack(err))
	}
	return err
}

func (m *mongoMapper) Cancel(ctx context.Context, cid string, kind int32, reason string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	return m.cancel(ctx, oid, bson.M{cst.Kind: kind}, reason)
}

func (m *mongoMapper) CancelAll(ctx context.Context, cid string, reason string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	return m.cancel(ctx, oid, nil, reason)
}

// cancel 将匹配的未处理动作置为已处理终态, 不可重试
func (m *mongoMapper) cancel(ctx context.Context, cid bson.ObjectID, extra bson.M, reason string) error {
	filter := bson.M{cst.ConversationId: cid, cst.Processed: false}
	for k, v := range extra {
		filter[k] = v
	}
	update := bson.M{cst.Set: bson.M{
		cst.Processed:   true,
		cst.ProcessedAt: time.Now(),
		cst.ProcessErr:  reason,
	}}
	if _, err := m.conn.UpdateManyNoCache(ctx, filter, update); err != nil {
		logs.Errorf("[mapper] [action] [cancel] update err:%s", errorx.ErrorWithoutStack(err))
		return err
	}
	return nil
}

func (m *mongoMapper) FindDue(ctx context.Context, now time.Time, limit int64) (as []*ScheduledAction, err error) {
	filter := bson.M{cst.Processed: false, cst.DueAt: bson.M{cst.LTE: now}}
	opts := options.Find().SetSort(bson.M{cst.DueAt: 1}).SetLimit(limit)
	if err = m.conn.Find(ctx, &as, filter, opts); err != nil {
		logs.Errorf("[mapper] [action] [FindDue] find err:%s", errorx.ErrorWithoutStack(err))
		return nil, err
	}
	return as, nil
}

func (m *mongoMapper) MarkProcessed(ctx context.Context, aid bson.ObjectID, processErr string) error {
	update := bson.M{cst.Set: bson.M{
		cst.Processed:   true,
		cst.ProcessedAt: time.Now(),
	}}
	if processErr != "" {
		update[cst.Set].(bson.M)[cst.ProcessErr] = processErr
	}
	_, err := m.conn.UpdateOneNoCache(ctx, bson.M{cst.Id: aid}, update)
	if err != nil {
		logs.Errorf("[mapper] [action] [MarkProcessed] update err:%s", errorx.ErrorWithoutStack(err))
	}
	return err
}
