package model

// Reminder 会话提醒项（@我、审批待办等）
type Reminder struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ReminderID  uint64 `json:"reminder_id" gorm:"not null;uniqueIndex;comment:服务端提醒ID"`
	ChannelID   uint64 `json:"channel_id" gorm:"not null;index;comment:频道ID"`
	ChannelType uint8  `json:"channel_type" gorm:"not null;comment:频道类型"`
	MessageID   uint64 `json:"message_id" gorm:"default:0;comment:关联的本地消息ID"`
	ReminderType int32 `json:"reminder_type" gorm:"default:0;comment:提醒类型"`
	Text        string `json:"text" gorm:"type:text;comment:提醒文本"`
	Done        bool   `json:"done" gorm:"default:false;comment:已处理"`
	Version     uint64 `json:"version" gorm:"default:0;comment:实体版本"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:milli"`
}

func (Reminder) TableName() string { return "reminder" }
