package model

// Channel 频道模型
// LastPts 对该频道所有消息的 pts 单调不减
type Channel struct {
	ChannelID      uint64 `gorm:"primaryKey;autoIncrement:false;comment:频道ID"`
	ChannelType    uint8  `gorm:"not null;default:1;comment:频道类型(1单聊,2群聊)"`
	Name           string `gorm:"type:varchar(128);comment:显示名称"`
	Avatar         string `gorm:"type:varchar(255);comment:头像URL"`
	LastMessageID  uint64 `gorm:"default:0;comment:最后一条消息的本地ID"`
	LastPts        uint64 `gorm:"default:0;comment:已同步到的位置"`
	UnreadCount    uint32 `gorm:"default:0;comment:未读数"`
	Mute           bool   `gorm:"default:false;comment:免打扰"`
	Pinned         bool   `gorm:"default:false;comment:置顶"`
	Hidden         bool   `gorm:"default:false;comment:隐藏(频道从不删除)"`
	Version        uint64 `gorm:"default:0;comment:实体版本"`
	CreatedAt      int64  `gorm:"autoCreateTime:milli;comment:创建时间(毫秒)"`
	UpdatedAt      int64  `gorm:"autoUpdateTime:milli;comment:更新时间(毫秒)"`
}

func (Channel) TableName() string { return "channel" }

// 成员角色
const (
	RoleMember     int32 = 0 // 普通成员
	RoleAdmin      int32 = 1 // 管理员
	RoleOwner      int32 = 2 // 群主
	RoleSuperAdmin int32 = 3 // 超级管理员
)

// ChannelMember 频道成员
// (ChannelID, ChannelType, UID) 唯一
type ChannelMember struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ChannelID   uint64 `gorm:"not null;uniqueIndex:idx_member_composite;comment:频道ID"`
	ChannelType uint8  `gorm:"not null;uniqueIndex:idx_member_composite;comment:频道类型"`
	UID         uint64 `gorm:"not null;uniqueIndex:idx_member_composite;comment:成员用户ID"`
	Role        int32  `gorm:"default:0;comment:角色"`
	Status      int32  `gorm:"default:0;comment:状态(0正常,1已退出)"`
	Version     uint64 `gorm:"default:0;comment:实体版本"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:milli"`
}

func (ChannelMember) TableName() string { return "channel_member" }

// ChannelExtra 频道扩展状态（草稿、@提醒等，懒创建）
type ChannelExtra struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ChannelID   uint64 `gorm:"not null;uniqueIndex:idx_channel_extra;comment:频道ID"`
	ChannelType uint8  `gorm:"not null;uniqueIndex:idx_channel_extra;comment:频道类型"`
	Draft       string `gorm:"type:text;comment:草稿"`
	MentionedAt int64  `gorm:"default:0;comment:最近被@时间(毫秒)"`
	Version     uint64 `gorm:"default:0;comment:实体版本"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:milli"`
}

func (ChannelExtra) TableName() string { return "channel_extra" }
