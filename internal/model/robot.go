package model

// Robot 机器人
type Robot struct {
	RobotID   uint64 `json:"robot_id" gorm:"primaryKey;autoIncrement:false;comment:机器人ID"`
	Username  string `json:"username" gorm:"type:varchar(64);comment:机器人用户名"`
	InlineOn  bool   `json:"inline_on" gorm:"default:false;comment:支持内联查询"`
	Version   uint64 `gorm:"default:0;comment:实体版本"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli"`
}

func (Robot) TableName() string { return "robot" }

// RobotMenu 机器人菜单项
type RobotMenu struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RobotID   uint64 `json:"robot_id" gorm:"not null;index;comment:机器人ID"`
	CMD       string `json:"cmd" gorm:"type:varchar(64);comment:命令"`
	Remark    string `json:"remark" gorm:"type:varchar(128);comment:说明"`
	MenuType  int32  `json:"menu_type" gorm:"default:0;comment:菜单类型"`
	Version   uint64 `gorm:"default:0;comment:实体版本"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli"`
}

func (RobotMenu) TableName() string { return "robot_menu" }
