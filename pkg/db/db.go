package db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/privchat/privchat-sdk/pkg/errors"

	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	kdfIterations = 4096
	kdfKeyLen     = 32
	kdfSaltPrefix = "privchat:"
)

// Store 每用户加密数据库
// 所有访问经由单写者actor串行执行，调用方不持有连接
type Store struct {
	userID uint64
	path   string
	db     *gorm.DB

	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
}

type job struct {
	fn     func(*gorm.DB) error
	result chan error
}

// DeriveKey 从用户ID派生数据库密钥
// PBKDF2-SHA256，盐为固定前缀加用户ID
func DeriveKey(userID uint64) string {
	password := []byte(fmt.Sprintf("%d", userID))
	salt := []byte(fmt.Sprintf("%s%d", kdfSaltPrefix, userID))
	key := pbkdf2.Key(password, salt, kdfIterations, kdfKeyLen, sha256.New)
	return hex.EncodeToString(key)
}

// Open 打开每用户数据库
// 路径为 {dataDir}/users/{userID}/messages.db，目录不存在时创建
func Open(dataDir string, userID uint64, debug bool) (*Store, error) {
	userDir := filepath.Join(dataDir, "users", fmt.Sprintf("%d", userID))
	if err := os.MkdirAll(userDir, 0755); err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "create user dir", err)
	}

	logMode := gormlogger.Silent
	if debug {
		logMode = gormlogger.Info
	}

	// 配置GORM
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(logMode),

		// 禁用默认事务（写入已由actor串行化）
		SkipDefaultTransaction: true,

		PrepareStmt: true,

		// 命名策略
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true, // 使用单数表名
		},
	}

	// 静态加密：密钥经DSN在每个新连接建立时生效
	dbPath := filepath.Join(userDir, "messages.db")
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_pragma_key=%s&_pragma_cipher_page_size=4096",
		dbPath, url.QueryEscape(DeriveKey(userID)))
	gdb, err := gorm.Open(cipherDialector{dsn: dsn}, gormConfig)
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "open database", err)
	}

	// 加密必须真实生效：cipher_version为空说明链接的不是SQLCipher
	var cipherVersion string
	if err := gdb.Raw("PRAGMA cipher_version").Scan(&cipherVersion).Error; err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "query cipher_version", err)
	}
	if cipherVersion == "" {
		return nil, errors.New(errors.KindDatabase, "sqlcipher not available, refusing unencrypted store")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "get database instance", err)
	}

	// 单文件数据库，单连接足够且避免写竞争
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "ping database", err)
	}

	s := &Store{
		userID: userID,
		path:   dbPath,
		db:     gdb,
		jobs:   make(chan job, 128),
		done:   make(chan struct{}),
	}
	go s.loop()

	return s, nil
}

// loop 单写者actor：顺序执行提交的闭包
func (s *Store) loop() {
	for j := range s.jobs {
		j.result <- j.fn(s.db)
	}
	close(s.done)
}

// Exec 在actor上执行一个数据库操作并等待结果
// 存储已关闭时返回 Database 错误
func (s *Store) Exec(fn func(tx *gorm.DB) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.KindDatabase, "store closed")
		}
	}()
	j := job{fn: fn, result: make(chan error, 1)}
	s.jobs <- j
	return <-j.result
}

// Transaction 在actor上执行一个事务
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.Exec(func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
}

// UserID 所属用户
func (s *Store) UserID() uint64 { return s.userID }

// Path 数据库文件路径
func (s *Store) Path() string { return s.path }

// HealthCheck 数据库健康检查
func (s *Store) HealthCheck() error {
	return s.Exec(func(db *gorm.DB) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Ping()
	})
}

// Close 关闭数据库，幂等
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.jobs)
		<-s.done

		sqlDB, err := s.db.DB()
		if err != nil {
			closeErr = errors.Wrap(errors.KindDatabase, "get database instance", err)
			return
		}
		closeErr = sqlDB.Close()
	})
	return closeErr
}
