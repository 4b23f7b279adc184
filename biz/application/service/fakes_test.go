package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xh-polaris/modmail-core/biz/domain/flowguard"
	"github.com/xh-polaris/modmail-core/biz/domain/form"
	"github.com/xh-polaris/modmail-core/biz/domain/platform"
	"github.com/xh-polaris/modmail-core/biz/domain/ratelimit"
	"github.com/xh-polaris/modmail-core/biz/infra/config"
	"github.com/xh-polaris/modmail-core/biz/infra/cst"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/action"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/conversation"
	"github.com/xh-polaris/modmail-core/biz/infra/mapper/session"
	"github.com/xh-polaris/modmail-core/pkg/ac"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// 服务层测试共用的内存版mapper与平台协作者实现

type fakeConversationMapper struct {
	mu             sync.Mutex
	byId           map[string]*conversation.Conversation
	seq            int64
	insertErr      error
	appendErr      error
	lastResponseMs int64
}

var _ conversation.MongoMapper = (*fakeConversationMapper)(nil)

func newFakeConversationMapper() *fakeConversationMapper {
	return &fakeConversationMapper{byId: make(map[string]*conversation.Conversation)}
}

func (m *fakeConversationMapper) Insert(ctx context.Context, c *conversation.Conversation) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := time.Now()
	c.ConversationId = bson.NewObjectID()
	c.SeqNo = m.seq
	c.Status = cst.StatusOpen
	c.CreateTime = now
	c.UpdateTime = now
	if c.LastUserActivityAt.IsZero() {
		c.LastUserActivityAt = now
	}
	m.byId[c.ConversationId.Hex()] = c
	return nil
}

func (m *fakeConversationMapper) FindById(ctx context.Context, cid string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (m *fakeConversationMapper) FindActiveByUser(ctx context.Context, userId string, statuses []int32) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byId {
		if c.UserId == userId && statusIn(c.Status, statuses) {
			return c, nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (m *fakeConversationMapper) FindActiveByUserInGuild(ctx context.Context, userId, guildId string, statuses []int32) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byId {
		if c.UserId == userId && c.GuildId == guildId && statusIn(c.Status, statuses) {
			return c, nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (m *fakeConversationMapper) ListOpenByGuild(ctx context.Context, guildId, cursor string, size int64) ([]*conversation.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cs []*conversation.Conversation
	for _, c := range m.byId {
		if c.GuildId == guildId && c.Status != cst.StatusClosed {
			cs = append(cs, c)
		}
	}
	return cs, false, nil
}

func (m *fakeConversationMapper) AppendMessage(ctx context.Context, cid string, msg *conversation.MessageRecord, responseMs int64) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok {
		return conversation.ErrNotFound
	}
	now := time.Now()
	c.Messages = append(c.Messages, msg)
	c.UpdateTime = now
	c.Metrics.TotalMessages++
	switch msg.Role {
	case cst.RoleUser:
		c.LastUserActivityAt = now
		c.Metrics.UserMessages++
		c.WarningMessageId = ""
		c.WarningAt = time.Time{}
	case cst.RoleStaff:
		c.LastStaffActivityAt = now
		c.Metrics.StaffMessages++
		if responseMs > 0 {
			m.lastResponseMs = responseMs
			c.Metrics.ResponseTotalMs += responseMs
			c.Metrics.ResponseCount++
		}
	default:
		c.Metrics.SystemMessages++
	}
	c.Metrics.Attachments += int64(len(msg.Attachments))
	return nil
}

func (m *fakeConversationMapper) MarkEdited(ctx context.Context, cid string, mid bson.ObjectID, content, original string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok {
		return conversation.ErrNotFound
	}
	rec := c.Message(mid)
	if rec == nil {
		return conversation.ErrNotFound
	}
	rec.Content = content
	rec.Edited = true
	rec.OriginalContent = original
	rec.EditedAt = time.Now()
	return nil
}

func (m *fakeConversationMapper) MarkDeleted(ctx context.Context, cid string, mid bson.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok {
		return conversation.ErrNotFound
	}
	rec := c.Message(mid)
	if rec == nil {
		return conversation.ErrNotFound
	}
	rec.Deleted = true
	rec.DeletedAt = time.Now()
	return nil
}

func (m *fakeConversationMapper) SetWarning(ctx context.Context, cid, messageId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok {
		return conversation.ErrNotFound
	}
	c.WarningMessageId = messageId
	c.WarningAt = time.Now()
	return nil
}

func (m *fakeConversationMapper) Claim(ctx context.Context, cid, actorId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok || c.Status != cst.StatusOpen || c.ClaimedBy != "" {
		return conversation.ErrNotFound
	}
	c.ClaimedBy = actorId
	c.ClaimedAt = time.Now()
	return nil
}

func (m *fakeConversationMapper) Unclaim(ctx context.Context, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok || c.ClaimedBy == "" {
		return conversation.ErrNotFound
	}
	c.ClaimedBy = ""
	c.ClaimedAt = time.Time{}
	return nil
}

func (m *fakeConversationMapper) Resolve(ctx context.Context, cid, actorId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok || c.Status != cst.StatusOpen {
		return conversation.ErrNotFound
	}
	c.Status = cst.StatusResolved
	c.ResolvedBy = actorId
	c.ResolvedAt = time.Now()
	return nil
}

func (m *fakeConversationMapper) Close(ctx context.Context, cid, actorId, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok || c.Status == cst.StatusClosed {
		return conversation.ErrNotFound
	}
	c.Status = cst.StatusClosed
	c.ClosedBy = actorId
	c.ClosedAt = time.Now()
	c.CloseReason = reason
	return nil
}

func (m *fakeConversationMapper) SetAutoCloseDisabled(ctx context.Context, cid string, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[cid]
	if !ok {
		return conversation.ErrNotFound
	}
	c.AutoCloseDisabled = disabled
	return nil
}

func statusIn(status int32, statuses []int32) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

type fakeSessionMapper struct {
	mu        sync.Mutex
	byId      map[string]*session.Session
	insertErr error
}

var _ session.MongoMapper = (*fakeSessionMapper)(nil)

func newFakeSessionMapper() *fakeSessionMapper {
	return &fakeSessionMapper{byId: make(map[string]*session.Session)}
}

func (m *fakeSessionMapper) alive(s *session.Session) bool {
	return s.ExpireAt.After(time.Now())
}

func (m *fakeSessionMapper) Insert(ctx context.Context, s *session.Session) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	s.SessionId = bson.NewObjectID()
	s.CreateTime = now
	s.UpdateTime = now
	m.byId[s.SessionId.Hex()] = s
	return nil
}

func (m *fakeSessionMapper) FindById(ctx context.Context, sid string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byId[sid]
	if !ok || !m.alive(s) {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (m *fakeSessionMapper) FindActiveByUser(ctx context.Context, userId string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byId {
		if s.UserId == userId && m.alive(s) {
			return s, nil
		}
	}
	return nil, session.ErrNotFound
}

func (m *fakeSessionMapper) FindByScope(ctx context.Context, guildId, categoryId, userId string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byId {
		if s.GuildId == guildId && s.CategoryId == categoryId && s.UserId == userId && m.alive(s) {
			return s, nil
		}
	}
	return nil, session.ErrNotFound
}

func (m *fakeSessionMapper) SetAnswer(ctx context.Context, sid string, answer *form.Answer, stepIndex int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byId[sid]
	if !ok || !m.alive(s) {
		return session.ErrNotFound
	}
	// 真实mapper只$push入库不改传入结构, fake存的就是调用方指针, 调用方自己维护Answers
	s.StepIndex = stepIndex
	return nil
}

func (m *fakeSessionMapper) SetCategory(ctx context.Context, sid, categoryId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byId[sid]
	if !ok || !m.alive(s) {
		return session.ErrNotFound
	}
	s.CategoryId = categoryId
	s.StepIndex = 0
	s.Answers = nil
	return nil
}

func (m *fakeSessionMapper) QueueMessage(ctx context.Context, sid string, qm *session.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byId[sid]
	if !ok || !m.alive(s) {
		return session.ErrNotFound
	}
	s.QueuedMessages = append(s.QueuedMessages, qm)
	return nil
}

func (m *fakeSessionMapper) Delete(ctx context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byId, sid)
	return nil
}

type fakeActionMapper struct {
	mu           sync.Mutex
	actions      []*action.ScheduledAction
	findDueCalls int
}

var _ action.MongoMapper = (*fakeActionMapper)(nil)

func newFakeActionMapper() *fakeActionMapper {
	return &fakeActionMapper{}
}

func (m *fakeActionMapper) Schedule(ctx context.Context, a *action.ScheduledAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, old := range m.actions {
		if old.ConversationId == a.ConversationId && old.Kind == a.Kind && !old.Processed {
			old.Processed = true
			old.ProcessedAt = time.Now()
			old.ProcessErr = action.CancelSuperseded
		}
	}
	a.ActionId = bson.NewObjectID()
	a.Processed = false
	a.CreateTime = time.Now()
	m.actions = append(m.actions, a)
	return nil
}

func (m *fakeActionMapper) Cancel(ctx context.Context, cid string, kind int32, reason string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ConversationId == oid && a.Kind == kind && !a.Processed {
			a.Processed = true
			a.ProcessedAt = time.Now()
			a.ProcessErr = reason
		}
	}
	return nil
}

func (m *fakeActionMapper) CancelAll(ctx context.Context, cid string, reason string) error {
	oid, err := bson.ObjectIDFromHex(cid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ConversationId == oid && !a.Processed {
			a.Processed = true
			a.ProcessedAt = time.Now()
			a.ProcessErr = reason
		}
	}
	return nil
}

func (m *fakeActionMapper) FindDue(ctx context.Context, now time.Time, limit int64) ([]*action.ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findDueCalls++
	var due []*action.ScheduledAction
	for _, a := range m.actions {
		if !a.Processed && !a.DueAt.After(now) {
			due = append(due, a)
		}
		if int64(len(due)) >= limit {
			break
		}
	}
	return due, nil
}

func (m *fakeActionMapper) MarkProcessed(ctx context.Context, aid bson.ObjectID, processErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ActionId == aid {
			a.Processed = true
			a.ProcessedAt = time.Now()
			if processErr != "" {
				a.ProcessErr = processErr
			}
		}
	}
	return nil
}

// unprocessed 按类型筛出未处理动作
func (m *fakeActionMapper) unprocessed(kind int32) []*action.ScheduledAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*action.ScheduledAction
	for _, a := range m.actions {
		if a.Kind == kind && !a.Processed {
			out = append(out, a)
		}
	}
	return out
}

type fakeGateway struct {
	mu        sync.Mutex
	toUser    []*platform.OutboundMessage
	toThread  []*platform.OutboundMessage
	userErr   error
	threadErr error
	createErr error
	threadSeq int
	locked    map[string]bool
}

var _ platform.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{locked: make(map[string]bool)}
}

func (g *fakeGateway) SendToUser(ctx context.Context, userId string, msg *platform.OutboundMessage) (string, error) {
	if g.userErr != nil {
		return "", g.userErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.toUser = append(g.toUser, msg)
	return fmt.Sprintf("user-msg-%d", len(g.toUser)), nil
}

func (g *fakeGateway) SendToThread(ctx context.Context, threadId string, msg *platform.OutboundMessage) (string, error) {
	if g.threadErr != nil {
		return "", g.threadErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.toThread = append(g.toThread, msg)
	return fmt.Sprintf("thread-msg-%d", len(g.toThread)), nil
}

func (g *fakeGateway) CreateThread(ctx context.Context, guildId, name string) (string, error) {
	if g.createErr != nil {
		return "", g.createErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threadSeq++
	return fmt.Sprintf("thread-%d", g.threadSeq), nil
}

func (g *fakeGateway) SetChannelLocked(ctx context.Context, channelId string, locked bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked[channelId] = locked
	return nil
}

type fakeIdentity struct {
	names  map[string]string
	guilds []string
	staff  bool
	admin  bool
}

var _ platform.Identity = (*fakeIdentity)(nil)

func (i *fakeIdentity) DisplayName(ctx context.Context, userId string) (string, error) {
	return i.names[userId], nil
}

func (i *fakeIdentity) MemberGuilds(ctx context.Context, userId string) ([]string, error) {
	return i.guilds, nil
}

func (i *fakeIdentity) HasStaffRole(ctx context.Context, guildId, userId string, roleIds []string) (bool, error) {
	return i.staff, nil
}

func (i *fakeIdentity) IsAdmin(ctx context.Context, guildId, userId string) (bool, error) {
	return i.admin, nil
}

type fakeConfigProvider struct {
	cfgs   map[string]*platform.GuildIntakeConfig
	banned map[string]bool
}

var _ platform.ConfigProvider = (*fakeConfigProvider)(nil)

func newFakeConfigProvider() *fakeConfigProvider {
	return &fakeConfigProvider{cfgs: make(map[string]*platform.GuildIntakeConfig), banned: make(map[string]bool)}
}

func (p *fakeConfigProvider) GuildIntake(ctx context.Context, guildId string) (*platform.GuildIntakeConfig, error) {
	return p.cfgs[guildId], nil
}

func (p *fakeConfigProvider) IsBanned(ctx context.Context, guildId, userId string) (bool, error) {
	return p.banned[guildId+"/"+userId], nil
}

type fakePrompter struct {
	guildPick    string
	guildErr     error
	categoryPick string
	categoryErr  error
	fieldAnswers []string
	fieldErr     error

	pickGuildCalls    int
	pickCategoryCalls int
	collectCalls      int
}

var _ platform.Prompter = (*fakePrompter)(nil)

func (p *fakePrompter) PickGuild(ctx context.Context, userId string, choices []platform.Choice) (string, error) {
	p.pickGuildCalls++
	if p.guildErr != nil {
		return "", p.guildErr
	}
	return p.guildPick, nil
}

func (p *fakePrompter) PickCategory(ctx context.Context, userId, guildId string, choices []platform.Choice) (string, error) {
	p.pickCategoryCalls++
	if p.categoryErr != nil {
		return "", p.categoryErr
	}
	return p.categoryPick, nil
}

func (p *fakePrompter) CollectField(ctx context.Context, userId string, field *form.Field) (string, error) {
	p.collectCalls++
	if p.fieldErr != nil {
		return "", p.fieldErr
	}
	if len(p.fieldAnswers) == 0 {
		return "", platform.ErrTimeout
	}
	v := p.fieldAnswers[0]
	p.fieldAnswers = p.fieldAnswers[1:]
	return v, nil
}

type fakeNotifier struct {
	rateLimited   int
	flowBusy      int
	noDestination int
	tooShort      int
	forceNotice   int
	created       int
	failure       int

	lastWait   time.Duration
	lastMinLen int
	lastSeqNo  int64
}

var _ platform.Notifier = (*fakeNotifier)(nil)

func (n *fakeNotifier) RateLimited(ctx context.Context, userId string, wait time.Duration) error {
	n.rateLimited++
	n.lastWait = wait
	return nil
}

func (n *fakeNotifier) FlowBusy(ctx context.Context, userId string) error {
	n.flowBusy++
	return nil
}

func (n *fakeNotifier) NoDestination(ctx context.Context, userId string) error {
	n.noDestination++
	return nil
}

func (n *fakeNotifier) ContentTooShort(ctx context.Context, userId string, minLen int) error {
	n.tooShort++
	n.lastMinLen = minLen
	return nil
}

func (n *fakeNotifier) ForceNotice(ctx context.Context, userId string) error {
	n.forceNotice++
	return nil
}

func (n *fakeNotifier) Created(ctx context.Context, userId, conversationId string, seqNo int64) error {
	n.created++
	n.lastSeqNo = seqNo
	return nil
}

func (n *fakeNotifier) Failure(ctx context.Context, userId string) error {
	n.failure++
	return nil
}

type fakeRenderer struct{}

var _ platform.Renderer = (*fakeRenderer)(nil)

func (fakeRenderer) InactivityWarning(conversationId string, seqNo int64) string {
	return fmt.Sprintf("conversation #%d has been idle", seqNo)
}

func (fakeRenderer) AutoCloseReason(conversationId string, seqNo int64) string {
	return fmt.Sprintf("conversation #%d auto closed for inactivity", seqNo)
}

func testConfig() *config.Config {
	return &config.Config{
		Intake: config.Intake{
			RateWindowS:        60,
			RateMaxMessages:    5,
			RateCooldownS:      300,
			MinContentLength:   10,
			SessionTTLS:        1800,
			SelectionTimeoutS:  1,
			WarningDelayS:      43200,
			AutoCloseDelayS:    86400,
			ResolveCloseDelayS: 3600,
			PollIntervalS:      60,
			PollBatch:          50,
		},
	}
}

type testEnv struct {
	cfg  *config.Config
	conv *fakeConversationMapper
	sess *fakeSessionMapper
	act  *fakeActionMapper
	gw   *fakeGateway
	id   *fakeIdentity
	cp   *fakeConfigProvider
	pr   *fakePrompter
	nt   *fakeNotifier

	relay     *RelayService
	lifecycle *LifecycleService
	intake    *IntakeService
	scheduler *SchedulerService
}

func newTestEnv(t *testing.T) *testEnv {
	filter, err := ac.NewFilter([]string{"badword"})
	require.NoError(t, err)

	e := &testEnv{
		cfg:  testConfig(),
		conv: newFakeConversationMapper(),
		sess: newFakeSessionMapper(),
		act:  newFakeActionMapper(),
		gw:   newFakeGateway(),
		id:   &fakeIdentity{names: map[string]string{}, admin: true},
		cp:   newFakeConfigProvider(),
		pr:   &fakePrompter{},
		nt:   &fakeNotifier{},
	}
	e.relay = &RelayService{
		Config:             e.cfg,
		ConversationMapper: e.conv,
		ActionMapper:       e.act,
		Gateway:            e.gw,
		Identity:           e.id,
		ConfigProvider:     e.cp,
		Filter:             filter,
	}
	e.lifecycle = &LifecycleService{
		Config:             e.cfg,
		ConversationMapper: e.conv,
		ActionMapper:       e.act,
		Gateway:            e.gw,
		Identity:           e.id,
		ConfigProvider:     e.cp,
	}
	e.intake = &IntakeService{
		Config:             e.cfg,
		Limiter:            ratelimit.NewLimiter(e.cfg.Intake.RateWindow(), e.cfg.Intake.RateMaxMessages, e.cfg.Intake.RateCooldown()),
		Guard:              flowguard.NewGuard(),
		SessionMapper:      e.sess,
		ConversationMapper: e.conv,
		Relay:              e.relay,
		Gateway:            e.gw,
		Identity:           e.id,
		ConfigProvider:     e.cp,
		Prompter:           e.pr,
		Notifier:           e.nt,
	}
	e.scheduler = &SchedulerService{
		Config:             e.cfg,
		ActionMapper:       e.act,
		ConversationMapper: e.conv,
		Relay:              e.relay,
		Lifecycle:          e.lifecycle,
		Renderer:           fakeRenderer{},
	}
	return e
}

// openConversation 直接落库一个open会话
func (e *testEnv) openConversation(t *testing.T, userId, guildId string) *conversation.Conversation {
	c := &conversation.Conversation{
		UserId:        userId,
		GuildId:       guildId,
		ThreadId:      "thread-x",
		UserChannelId: "dm-x",
		CategoryId:    "cat-1",
	}
	require.NoError(t, e.conv.Insert(context.Background(), c))
	return c
}

func simpleCategory(id string) *platform.Category {
	return &platform.Category{CategoryId: id, Name: id, Enabled: true}
}

func (e *testEnv) addGuild(guildId string, cats ...*platform.Category) {
	e.id.guilds = append(e.id.guilds, guildId)
	e.cp.cfgs[guildId] = &platform.GuildIntakeConfig{GuildId: guildId, Categories: cats}
}
