package model

// Group 群组模型
// 存在性长于成员身份，解散仅打标记
type Group struct {
	GroupID   uint64 `json:"group_id" gorm:"primaryKey;autoIncrement:false;comment:群ID"`
	Name      string `json:"name" gorm:"type:varchar(128);comment:群名称"`
	Avatar    string `json:"avatar" gorm:"type:varchar(255);comment:群头像URL"`
	OwnerUID  uint64 `json:"owner_uid" gorm:"comment:群主用户ID"`
	Dismissed bool   `json:"dismissed" gorm:"default:false;comment:已解散"`
	Version   uint64 `gorm:"default:0;comment:实体版本"`
	CreatedAt int64  `gorm:"autoCreateTime:milli"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli"`
}

func (Group) TableName() string { return "group" }

// GroupMember 群成员
type GroupMember struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	GroupID   uint64 `json:"group_id" gorm:"not null;uniqueIndex:idx_group_member;comment:群ID"`
	UID       uint64 `json:"uid" gorm:"not null;uniqueIndex:idx_group_member;comment:成员用户ID"`
	Role      int32  `json:"role" gorm:"default:0;comment:角色"`
	Status    int32  `json:"status" gorm:"default:0;comment:状态(0正常,1已退出)"`
	Version   uint64 `gorm:"default:0;comment:实体版本"`
	CreatedAt int64  `gorm:"autoCreateTime:milli"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli"`
}

func (GroupMember) TableName() string { return "group_member" }
