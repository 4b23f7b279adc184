package session

import (
	"context"
	"time"

	"github.com/xh-polaris/modmail-core/biz/domain/form"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/pkg/errorx"
	"github.com/xh-polaris/modmail-core/pkg/logs"
	"github.com/xh-polaris/modmail-core/types/errno"
	"github.com/zeromicro/go-zero/core/stores/monc"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var _ MongoMapper = (*mongoMapper)(nil)

const collection = "session"

var ErrNotFound = monc.ErrNotFound

type MongoMapper interface {
	Insert(ctx context.Context, s *Session) error
	FindById(ctx context.Context, sid string) (*Session, error)
	// FindActiveByUser 按用户查未过期的在途会话, 不需要session id
	FindActiveByUser(ctx context.Context, userId string) (*Session, error)
	FindByScope(ctx context.Context, guildId, categoryId, userId string) (*Session, error)
	SetAnswer(ctx context.Context, sid string, answer *form.Answer, stepIndex int32) error
	SetCategory(ctx context.Context, sid, categoryId string) error
	// QueueMessage 向未过期的session追加待回放消息, session已过期返回ErrNotFound
	QueueMessage(ctx context.Context, sid string, qm *QueuedMessage) error
	Delete(ctx context.Context, sid string) error
}

type mongoMapper struct {
	conn *monc.Model
}

func NewSessionMongoMapper(config *config.Config) MongoMapper {
	conn := monc.MustNewModel(config.Mongo.URL, config.Mongo.DB, collection, config.Cache)
	return &mongoMapper{conn: conn}
}

func (m *mongoMapper) Insert(ctx context.Context, s *Session) error {
	now := time.Now()
	s.SessionId = bson.NewObjectID()
	s.CreateTime = now
	s.UpdateTime = now
	_, err := m.conn.InsertOneNoCache(ctx, s)
	if err != nil {
		logs.Errorf("[mapper] [session] [Insert] err:%s", errorx.ErrorWithoutStack(err))
	}
	return err
}

func (m *mongoMapper) FindById(ctx context.Context, sid string) (*Session, error) {
	oid, err := bson.ObjectIDFromHex(sid)
	if err != nil {
		return nil, errorx.WrapByCode(err, errno.OIDErrCode)
	}
	var s Session
	if err = m.conn.FindOneNoCache(ctx, &s, m.alive(bson.M{cst.Id: oid})); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *mongoMapper) FindActiveByUser(ctx context.Context, userId string) (*Session, error) {
	var s Session
	if err := m.conn.FindOneNoCache(ctx, &s, m.alive(bson.M{cst.UserId: userId})); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *mongoMapper) FindByScope(ctx context.Context, guildId, categoryId, userId string) (*Session, error) {
	var s Session
	filter := m.alive(bson.M{cst.GuildId: guildId, cst.CategoryId: categoryId, cst.UserId: userId})
	if err := m.conn.FindOneNoCache(ctx, &s, filter); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetAnswer 记录一步表单答案并推进步骤, 流程可据此跨重启续传
func (m *mongoMapper) SetAnswer(ctx context.Context, sid string, answer *form.Answer, stepIndex int32) error {
	oid, err := bson.ObjectIDFromHex(sid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	update := bson.M{
		cst.Push: bson.M{cst.Answers: answer},
		cst.Set:  bson.M{cst.StepIndex: stepIndex, cst.UpdateTime: time.Now()},
	}
	res, err := m.conn.UpdateOneNoCache(ctx, m.alive(bson.M{cst.Id: oid}), update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCategory 改绑分类并清空已收集的进度, 已有答案随旧分类作废
func (m *mongoMapper) SetCategory(ctx context.Context, sid, categoryId string) error {
	oid, err := bson.ObjectIDFromHex(sid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	update := bson.M{
		cst.Set:   bson.M{cst.CategoryId: categoryId, cst.StepIndex: int32(0), cst.UpdateTime: time.Now()},
		cst.Unset: bson.M{cst.Answers: ""},
	}
	res, err := m.conn.UpdateOneNoCache(ctx, m.alive(bson.M{cst.Id: oid}), update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *mongoMapper) QueueMessage(ctx context.Context, sid string, qm *QueuedMessage) error {
	oid, err := bson.ObjectIDFromHex(sid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	update := bson.M{
		cst.Push: bson.M{cst.QueuedMessages: qm},
		cst.Set:  bson.M{cst.UpdateTime: time.Now()},
	}
	res, err := m.conn.UpdateOneNoCache(ctx, m.alive(bson.M{cst.Id: oid}), update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *mongoMapper) Delete(ctx context.Context, sid string) error {
	oid, err := bson.ObjectIDFromHex(sid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	_, err = m.conn.DeleteOneNoCache(ctx, bson.M{cst.Id: oid})
	return err
}

// alive 叠加未过期条件
func (m *mongoMapper) alive(filter bson.M) bson.M {
	filter[cst.ExpireAt] = bson.M{cst.GT: time.Now()}
	return filter
}
