package cst

// 消息作者角色
const (
	// User 终端用户发出的消息
	User = "user"
	// Staff 客服/管理人员发出的消息
	Staff = "staff"
	// System 系统消息, 如超时提醒与自动关闭通知
	System = "system"
)

// 角色枚举值与字符串互转
var (
	RoleStoI = map[string]int32{User: 0, Staff: 1, System: 2}
	RoleItoS = map[int32]string{0: User, 1: Staff, 2: System}
)

const (
	RoleUser   int32 = 0
	RoleStaff  int32 = 1
	RoleSystem int32 = 2
)

// 会话状态, open -> resolved -> closed, closed为终态
const (
	StatusOpen     int32 = 0
	StatusResolved int32 = 1
	StatusClosed   int32 = 2
)

var (
	StatusStoI = map[string]int32{"open": StatusOpen, "resolved": StatusResolved, "closed": StatusClosed}
	StatusItoS = map[int32]string{StatusOpen: "open", StatusResolved: "resolved", StatusClosed: "closed"}
)

// 定时动作类型
const (
	ActionWarning   int32 = 0
	ActionAutoClose int32 = 1
)

var ActionItoS = map[int32]string{ActionWarning: "warning", ActionAutoClose: "auto_close"}

// 重复会话判定策略
const (
	DuplicateOpenOnly       int32 = 0
	DuplicateOpenOrResolved int32 = 1
)

// mapper层字段枚举
const (
	Id             = "_id"
	ConversationId = "conversation_id"
	UserId         = "user_id"
	GuildId        = "guild_id"
	CategoryId     = "category_id"
	Kind           = "kind"
	Status         = "status"
	ClaimedBy      = "claimed_by"
	ClaimedAt      = "claimed_at"
	Messages       = "messages"
	StepIndex      = "step_index"
	Answers        = "answers"
	QueuedMessages = "queued_messages"
	DueAt          = "due_at"
	Processed      = "processed"
	ProcessedAt    = "processed_at"
	ProcessErr     = "process_err"
	ExpireAt       = "expire_at"
	CreateTime     = "create_time"
	UpdateTime     = "update_time"

	LastUserActivityAt  = "last_user_activity_at"
	LastStaffActivityAt = "last_staff_activity_at"
	WarningMessageId    = "warning_message_id"
	WarningAt           = "warning_at"
	ResolvedBy          = "resolved_by"
	ResolvedAt          = "resolved_at"
	ClosedBy            = "closed_by"
	ClosedAt            = "closed_at"
	CloseReason         = "close_reason"

	MetricTotal         = "metrics.total_messages"
	MetricUser          = "metrics.user_messages"
	MetricStaff         = "metrics.staff_messages"
	MetricSystem        = "metrics.system_messages"
	MetricAttachments   = "metrics.attachments"
	MetricResponseMs    = "metrics.response_total_ms"
	MetricResponseCount = "metrics.response_count"

	Set    = "$set"
	Unset  = "$unset"
	Inc    = "$inc"
	Push   = "$push"
	In     = "$in"
	NE     = "$ne"
	LT     = "$lt"
	LTE    = "$lte"
	GT     = "$gt"
	Exists = "$exists"
)

// 关闭原因的系统操作者标识
const (
	SystemActor = "system"
)
