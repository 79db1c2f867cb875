package model

// User 用户模型
// 不论好友关系如何，每个用户ID仅一行，实体同步期间upsert
type User struct {
	UID       uint64 `json:"uid" gorm:"primaryKey;autoIncrement:false;comment:用户ID"`
	Username  string `json:"username" gorm:"type:varchar(64);comment:用户名"`
	Nickname  string `json:"nickname" gorm:"type:varchar(64);comment:昵称"`
	Avatar    string `json:"avatar" gorm:"type:varchar(255);comment:头像URL"`
	Version   uint64 `json:"version" gorm:"default:0;comment:实体版本"`
	UpdatedAt int64  `json:"updated_at" gorm:"autoUpdateTime:milli;comment:更新时间(毫秒)"`
}

func (User) TableName() string { return "user" }

// Friend 好友关系
// 删除仅移除好友关系，不移除 user 行
type Friend struct {
	UID       uint64 `json:"uid" gorm:"primaryKey;autoIncrement:false;comment:好友用户ID"`
	Remark    string `json:"remark" gorm:"type:varchar(64);comment:备注名"`
	Tags      string `json:"tags" gorm:"type:text;comment:标签(JSON)"`
	Pinned    bool   `json:"pinned" gorm:"default:false;comment:置顶"`
	Version   uint64 `json:"version" gorm:"default:0;comment:实体版本"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli;comment:成为好友时间(毫秒)"`
	UpdatedAt int64  `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

func (Friend) TableName() string { return "friend" }
