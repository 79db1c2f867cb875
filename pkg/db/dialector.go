package db

import (
	"database/sql"
	"strings"

	// SQLCipher驱动，注册为"sqlite3"
	_ "github.com/mutecomm/go-sqlcipher/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/callbacks"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/migrator"
	"gorm.io/gorm/schema"
)

// cipherDialector SQLCipher之上的gorm方言
// gorm官方sqlite方言硬链接非加密的mattn驱动，且与SQLCipher分支的
// 驱动注册名冲突，无法共存；这里按其实现适配到go-sqlcipher。
// 表结构由迁移文件管理，不走gorm自动迁移。
type cipherDialector struct {
	dsn string
}

func (d cipherDialector) Name() string { return "sqlite" }

func (d cipherDialector) Initialize(db *gorm.DB) error {
	conn, err := sql.Open("sqlite3", d.dsn)
	if err != nil {
		return err
	}
	db.ConnPool = conn

	callbacks.RegisterDefaultCallbacks(db, &callbacks.Config{
		CreateClauses:        []string{"INSERT", "VALUES", "ON CONFLICT"},
		UpdateClauses:        []string{"UPDATE", "SET", "WHERE"},
		DeleteClauses:        []string{"DELETE", "FROM", "WHERE"},
		LastInsertIDReversed: true,
	})
	return nil
}

func (d cipherDialector) Migrator(db *gorm.DB) gorm.Migrator {
	return migrator.Migrator{Config: migrator.Config{
		DB:                          db,
		Dialector:                   d,
		CreateIndexAfterCreateTable: true,
	}}
}

func (d cipherDialector) DataTypeOf(field *schema.Field) string {
	switch field.DataType {
	case schema.Bool:
		return "numeric"
	case schema.Int, schema.Uint:
		if field.AutoIncrement && field.PrimaryKey {
			return "integer PRIMARY KEY AUTOINCREMENT"
		}
		return "integer"
	case schema.Float:
		return "real"
	case schema.String:
		return "text"
	case schema.Time:
		return "datetime"
	case schema.Bytes:
		return "blob"
	}
	return string(field.DataType)
}

// DefaultValueOf sqlite不支持VALUES里的DEFAULT关键字，留空字段写NULL
func (d cipherDialector) DefaultValueOf(field *schema.Field) clause.Expression {
	return clause.Expr{SQL: "NULL"}
}

func (d cipherDialector) BindVarTo(writer clause.Writer, stmt *gorm.Statement, v interface{}) {
	_ = writer.WriteByte('?')
}

func (d cipherDialector) QuoteTo(writer clause.Writer, str string) {
	_ = writer.WriteByte('`')
	if strings.Contains(str, ".") {
		for idx, part := range strings.Split(str, ".") {
			if idx > 0 {
				_, _ = writer.WriteString("`.`")
			}
			_, _ = writer.WriteString(part)
		}
	} else {
		_, _ = writer.WriteString(str)
	}
	_ = writer.WriteByte('`')
}

func (d cipherDialector) Explain(sql string, vars ...interface{}) string {
	return gormlogger.ExplainSQL(sql, nil, `"`, vars...)
}
