package conversation

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

const (
	collection        = "conversation"
	counterCollection = "counter"
	cacheKeyPrefix    = "cache:conversation:"
)

var ErrNotFound = monc.ErrNotFound

type MongoMapper interface {
	Insert(ctx context.Context, c *Conversation) error
	FindById(ctx context.Context, cid string) (*Conversation, error)
	FindActiveByUser(ctx context.Context, userId string, statuses []int32) (*Conversation, error)
	FindActiveByUserInGuild(ctx context.Context, userId, guildId string, statuses []int32) (*Conversation, error)
	ListOpenByGuild(ctx context.Context, guildId, cursor string, size int64) (cs []*Conversation, hasMore bool, err error)
	AppendMessage(ctx context.Context, cid string, msg *MessageRecord, responseMs int64) error
	MarkEdited(ctx context.Context, cid string, mid bson.ObjectID, content, original string) error
	MarkDeleted(ctx context.Context, cid string, mid bson.ObjectID) error
	SetWarning(ctx context.Context, cid, messageId string) error
	Claim(ctx context.Context, cid, actorId string) error
	Unclaim(ctx context.Context, cid string) error
	Resolve(ctx context.Context, cid, actorId string) error
	Close(ctx context.Context, cid, actorId, reason string) error
	SetAutoCloseDisabled(ctx context.Context, cid string, disabled bool) error
}

type mongoMapper struct {
	conn    *monc.Model
	counter *monc.Model
}

func NewConversationMongoMapper(config *config.Config) MongoMapper {
	conn := monc.MustNewModel(config.Mongo.URL, config.Mongo.DB, collection, config.Cache)
	counter := monc.MustNewModel(config.Mongo.URL, config.Mongo.DB, counterCollection, config.Cache)
	return &mongoMapper{conn: conn, counter: counter}
}

// nextSeq 取服务器内下一个会话编号, counter集合每服务器一个文档
func (m *mongoMapper) nextSeq(ctx context.Context, guildId string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	if err := m.counter.FindOneAndUpdateNoCache(ctx, &doc,
		bson.M{cst.Id: guildId}, bson.M{cst.Inc: bson.M{"seq": 1}}, opts); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

// Insert 落库一个新会话, 分配id与服务器内编号
func (m *mongoMapper) Insert(ctx context.Context, c *Conversation) error {
	seq, err := m.nextSeq(ctx, c.GuildId)
	if err != nil {
		logs.Errorf("[mapper] [conversation] [Insert] next seq err:%s", errorx.ErrorWithoutStack(err))
		return err
	}
	now := time.Now()
	c.ConversationId = bson.NewObjectID()
	c.SeqNo = seq
	c.Status = cst.StatusOpen
	c.CreateTime = now
	c.UpdateTime = now
	if c.LastUserActivityAt.IsZero() {
		c.LastUserActivityAt = now
	}
	_, err = m.conn.InsertOne(ctx, cacheKeyPrefix+c.ConversationId.Hex(), c)
	return err
}

func (m *mongoMapper) FindById(ctx context.Context, cid string) (*Conversation, error) {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return nil, errorx.WrapByCode(err, errno.OIDErrCode)
	}
	var c Conversation
	if err = m.conn.FindOne(ctx, cacheKeyPrefix+cid, &c, bson.M{cst.Id: oid}); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindActiveByUser 查找用户在任意服务器的活跃会话, 用户侧频道是跨服务器共享的
func (m *mongoMapper) FindActiveByUser(ctx context.Context, userId string, statuses []int32) (*Conversation, error) {
	var c Conversation
	filter := bson.M{cst.UserId: userId, cst.Status: bson.M{cst.In: statuses}}
	if err := m.conn.FindOneNoCache(ctx, &c, filter); err != nil {
		return nil, err
	}
	return &c, nil
}

func (m *mongoMapper) FindActiveByUserInGuild(ctx context.Context, userId, guildId string, statuses []int32) (*Conversation, error) {
	var c Conversation
	filter := bson.M{cst.UserId: userId, cst.GuildId: guildId, cst.Status: bson.M{cst.In: statuses}}
	if err := m.conn.FindOneNoCache(ctx, &c, filter); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListOpenByGuild 游标分页列出服务器的未关闭会话, _id倒序
func (m *mongoMapper) ListOpenByGuild(ctx context.Context, guildId, cursor string, size int64) (cs []*Conversation, hasMore bool, err error) {
	filter := bson.M{cst.GuildId: guildId, cst.Status: bson.M{cst.NE: cst.StatusClosed}}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return nil, false, errorx.WrapByCode(err, errno.OIDErrCode)
		}
		filter[cst.Id] = bson.M{cst.LT: oid}
	}
	opts := options.Find().SetSort(bson.M{cst.Id: -1}).SetLimit(size + 1)
	if err = m.conn.Find(ctx, &cs, filter, opts); err != nil {
		logs.Errorf("[mapper] [conversation] [ListOpenByGuild] find err:%s", errorx.ErrorWithoutStack(err))
		return nil, false, err
	}
	if int64(len(cs)) > size {
		return cs[:size], true, nil
	}
	return cs, false, nil
}

// AppendMessage 追加一条消息并原子地更新活动时钟/提醒标记/统计
// 用户消息清除未决提醒标记; responseMs>0表示这是一次客服首次响应, 计入响应耗时
func (m *mongoMapper) AppendMessage(ctx context.Context, cid string, msg *MessageRecord, responseMs int64) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}

	now := time.Now()
	set := bson.M{cst.UpdateTime: now}
	inc := bson.M{cst.MetricTotal: 1}
	update := bson.M{cst.Push: bson.M{cst.Messages: msg}, cst.Set: set, cst.Inc: inc}

	switch msg.Role {
	case cst.RoleUser:
		set[cst.LastUserActivityAt] = now
		inc[cst.MetricUser] = 1
		update[cst.Unset] = bson.M{cst.WarningMessageId: "", cst.WarningAt: ""}
	case cst.RoleStaff:
		set[cst.LastStaffActivityAt] = now
		inc[cst.MetricStaff] = 1
		if responseMs > 0 {
			inc[cst.MetricResponseMs] = responseMs
			inc[cst.MetricResponseCount] = 1
		}
	default:
		inc[cst.MetricSystem] = 1
	}
	if n := len(msg.Attachments); n > 0 {
		inc[cst.MetricAttachments] = n
	}

	_, err = m.conn.UpdateOne(ctx, cacheKeyPrefix+cid, bson.M{cst.Id: oid}, update)
	if err != nil {
		logs.Errorf("[mapper] [conversation] [AppendMessage] update err:%s", errorx.ErrorWithoutStack(err))
	}
	return err
}

// MarkEdited 标记消息被编辑, 保留首次编辑前的原文
func (m *mongoMapper) MarkEdited(ctx context.Context, cid string, mid bson.ObjectID, content, original string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	filter := bson.M{cst.Id: oid, "messages.message_id": mid}
	update := bson.M{cst.Set: bson.M{
		"messages.$.content":          content,
		"messages.$.edited":           true,
		"messages.$.original_content": original,
		"messages.$.edited_at":        time.Now(),
		cst.UpdateTime:                time.Now(),
	}}
	res, err := m.conn.UpdateOne(ctx, cacheKeyPrefix+cid, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeleted 标记消息被删除, 原文保留
func (m *mongoMapper) MarkDeleted(ctx context.Context, cid string, mid bson.ObjectID) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	filter := bson.M{cst.Id: oid, "messages.message_id": mid}
	update := bson.M{cst.Set: bson.M{
		"messages.$.deleted":    true,
		"messages.$.deleted_at": time.Now(),
		cst.UpdateTime:          time.Now(),
	}}
	res, err := m.conn.UpdateOne(ctx, cacheKeyPrefix+cid, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWarning 记录未决的闲置提醒标记
func (m *mongoMapper) SetWarning(ctx context.Context, cid, messageId string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	_, err = m.conn.UpdateOne(ctx, cacheKeyPrefix+cid, bson.M{cst.Id: oid},
		bson.M{cst.Set: bson.M{cst.WarningMessageId: messageId, cst.WarningAt: time.Now(), cst.UpdateTime: time.Now()}})
	return err
}

// Claim 认领会话, 仅未认领的open会话可认领, 条件不满足返回ErrNotFound
func (m *mongoMapper) Claim(ctx context.Context, cid, actorId string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	var old Conversation
	filter := bson.M{cst.Id: oid, cst.Status: cst.StatusOpen, cst.ClaimedBy: bson.M{cst.Exists: false}}
	update := bson.M{cst.Set: bson.M{cst.ClaimedBy: actorId, cst.ClaimedAt: time.Now(), cst.UpdateTime: time.Now()}}
	return m.conn.FindOneAndUpdate(ctx, cacheKeyPrefix+cid, &old, filter, update)
}

// Unclaim 取消认领, 仅已认领会话有效, 条件不满足返回ErrNotFound
func (m *mongoMapper) Unclaim(ctx context.Context, cid string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	var old Conversation
	filter := bson.M{cst.Id: oid, cst.ClaimedBy: bson.M{cst.Exists: true}}
	update := bson.M{
		cst.Unset: bson.M{cst.ClaimedBy: "", cst.ClaimedAt: ""},
		cst.Set:   bson.M{cst.UpdateTime: time.Now()},
	}
	return m.conn.FindOneAndUpdate(ctx, cacheKeyPrefix+cid, &old, filter, update)
}

// Resolve 标记已解决, 仅open可解决, 条件不满足返回ErrNotFound
func (m *mongoMapper) Resolve(ctx context.Context, cid, actorId string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	var old Conversation
	filter := bson.M{cst.Id: oid, cst.Status: cst.StatusOpen}
	update := bson.M{cst.Set: bson.M{
		cst.Status:     cst.StatusResolved,
		cst.ResolvedBy: actorId,
		cst.ResolvedAt: time.Now(),
		cst.UpdateTime: time.Now(),
	}}
	return m.conn.FindOneAndUpdate(ctx, cacheKeyPrefix+cid, &old, filter, update)
}

// Close 关闭会话, open/resolved可关闭, closed为终态, 条件不满足返回ErrNotFound
func (m *mongoMapper) Close(ctx context.Context, cid, actorId, reason string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	var old Conversation
	filter := bson.M{cst.Id: oid, cst.Status: bson.M{cst.In: []int32{cst.StatusOpen, cst.StatusResolved}}}
	update := bson.M{cst.Set: bson.M{
		cst.Status:      cst.StatusClosed,
		cst.ClosedBy:    actorId,
		cst.ClosedAt:    time.Now(),
		cst.CloseReason: reason,
		cst.UpdateTime:  time.Now(),
	}}
	return m.conn.FindOneAndUpdate(ctx, cacheKeyPrefix+cid, &old, filter, update)
}

func (m *mongoMapper) SetAutoCloseDisabled(ctx context.Context, cid string, disabled bool) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return errorx.WrapByCode(err, errno.OIDErrCode)
	}
	_, err = m.conn.UpdateOne(ctx, cacheKeyPrefix+cid, bson.M{cst.Id: oid},
		bson.M{cst.Set: bson.M{"auto_close_disabled": disabled, cst.UpdateTime: time.Now()}})
	return err
}
