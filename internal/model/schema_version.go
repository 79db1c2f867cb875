package model

// SchemaVersion 迁移版本记录
// 每个已应用的迁移文件一行，Version 为文件名中的时间戳
type SchemaVersion struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Version   int64  `gorm:"not null;uniqueIndex;comment:迁移版本号"`
	Filename  string `gorm:"type:varchar(128);comment:迁移文件名"`
	AppliedAt int64  `gorm:"autoCreateTime:milli;comment:应用时间(毫秒)"`
}

func (SchemaVersion) TableName() string { return "schema_version" }
