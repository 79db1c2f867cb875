package model

// MessageStatus 消息状态
// 本地扩展了 Retrying（仅存在于发送管线，不上行）
type MessageStatus int32

const (
	StatusSending   MessageStatus = 0 // 发送中
	StatusSent      MessageStatus = 1 // 已发送
	StatusFailed    MessageStatus = 2 // 发送失败
	StatusDelivered MessageStatus = 3 // 已送达
	StatusRead      MessageStatus = 4 // 已读
	StatusRetrying  MessageStatus = 5 // 重试等待中（本地态）
)

// CanTransitionTo 状态机约束
// Failed 为终态，仅允许调用方显式重试回到 Sending
func (s MessageStatus) CanTransitionTo(target MessageStatus) bool {
	switch {
	case s == StatusSending && (target == StatusSent || target == StatusFailed || target == StatusRetrying):
		return true
	case s == StatusRetrying && (target == StatusSending || target == StatusFailed):
		return true
	case s == StatusSent && target == StatusDelivered:
		return true
	case s == StatusDelivered && target == StatusRead:
		return true
	case s == StatusFailed && target == StatusSending:
		return true
	}
	return false
}

// 会话类型
const (
	ChannelTypePerson uint8 = 1 // 单聊
	ChannelTypeGroup  uint8 = 2 // 群聊
)

// 消息类型
const (
	MsgTypeText    int32 = 1
	MsgTypeEmoji   int32 = 2
	MsgTypeImage   int32 = 3
	MsgTypeAudio   int32 = 4
	MsgTypeVideo   int32 = 5
	MsgTypeFile    int32 = 6
	MsgTypeLocation int32 = 7
	MsgTypeCard    int32 = 8
	MsgTypeReceipt int32 = 9
	MsgTypeTyping  int32 = 10
	MsgTypeRevoke  int32 = 2000
)

// Message 消息模型
// ID 即 local_message_id，仅在本地发送管线内可见
// Content 是不透明字符串，SDK 不解析其内容
type Message struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement;comment:本地消息ID"`
	ClientMsgNo     string `gorm:"type:varchar(64);not null;uniqueIndex;comment:客户端消息编号(去重)"`
	ServerMessageID uint64 `gorm:"index;comment:服务端消息ID(确认后赋值)"`
	ChannelID       uint64 `gorm:"not null;index:idx_message_channel;comment:频道ID"`
	ChannelType     uint8  `gorm:"not null;index:idx_message_channel;comment:频道类型(1单聊,2群聊)"`
	FromUID         uint64 `gorm:"not null;index;comment:发送者ID"`
	Content         string `gorm:"type:text;not null;comment:消息内容"`
	MessageType     int32  `gorm:"not null;default:1;comment:消息类型"`
	Status          int32  `gorm:"not null;default:0;comment:消息状态"`
	Pts             uint64 `gorm:"default:0;comment:频道内同步位置"`
	Timestamp       int64  `gorm:"comment:服务端时间戳(毫秒)"`
	SearchableWord  string `gorm:"type:text;comment:本地搜索文本"`
	IsViewOnce      bool   `gorm:"default:false;comment:阅后即焚"`
	Extra           string `gorm:"type:text;comment:扩展数据(JSON)"`
	CreatedAt       int64  `gorm:"autoCreateTime:milli;comment:创建时间(毫秒)"`
	UpdatedAt       int64  `gorm:"autoUpdateTime:milli;comment:更新时间(毫秒)"`
}

func (Message) TableName() string { return "message" }
