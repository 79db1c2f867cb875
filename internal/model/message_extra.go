package model

// MessageExtra 消息扩展状态
// 每条消息至多一行，懒创建
type MessageExtra struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID     uint64 `gorm:"not null;uniqueIndex:idx_message_extra;comment:本地消息ID"`
	ReadCount     uint32 `gorm:"default:0;comment:已读人数"`
	DeliveredCount uint32 `gorm:"default:0;comment:送达人数"`
	Revoked       bool   `gorm:"default:false;comment:已撤回"`
	RevokerUID    uint64 `gorm:"default:0;comment:撤回者"`
	Edited        bool   `gorm:"default:false;comment:已编辑"`
	EditedContent string `gorm:"type:text;comment:编辑后内容"`
	EditedAt      int64  `gorm:"default:0;comment:编辑时间(毫秒)"`
	Pinned        bool   `gorm:"default:false;comment:置顶消息"`
	Version       uint64 `gorm:"default:0;comment:实体版本"`
	UpdatedAt     int64  `gorm:"autoUpdateTime:milli"`
}

func (MessageExtra) TableName() string { return "message_extra" }

// MessageReaction 消息回应
// (MessageID, UID, Emoji) 唯一，添加/移除翻转 Deleted
type MessageReaction struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID   uint64 `gorm:"not null;uniqueIndex:idx_reaction;comment:本地消息ID"`
	UID         uint64 `gorm:"not null;uniqueIndex:idx_reaction;comment:回应者"`
	Emoji       string `gorm:"type:varchar(16);not null;uniqueIndex:idx_reaction;comment:表情"`
	ChannelID   uint64 `gorm:"not null;index;comment:频道ID"`
	ChannelType uint8  `gorm:"not null;comment:频道类型"`
	Deleted     bool   `gorm:"default:false;comment:已移除"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:milli"`
}

func (MessageReaction) TableName() string { return "message_reaction" }

// Mention 消息@提醒
// (MessageID, UID) 唯一
type Mention struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID uint64 `gorm:"not null;uniqueIndex:idx_mention;comment:本地消息ID"`
	UID       uint64 `gorm:"not null;uniqueIndex:idx_mention;comment:被@用户ID"`
	IsAll     bool   `gorm:"default:false;comment:@所有人"`
	IsRead    bool   `gorm:"default:false;comment:已读"`
	CreatedAt int64  `gorm:"autoCreateTime:milli"`
}

func (Mention) TableName() string { return "mention" }
