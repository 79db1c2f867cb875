package migration

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/kv"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SDKVersion 参与迁移指纹，版本升级会强制重新扫描迁移目录
const SDKVersion = "1.0.0"

// 迁移文件名：YYYYMMDDHHMMSS.sql 或 YYYYMMDD.sql
var migrationFilePattern = regexp.MustCompile(`^(\d{8}|\d{14})\.sql$`)

// assetsFingerprint 迁移目录指纹
// 任一项变化都会触发重新扫描
type assetsFingerprint struct {
	AssetsPath string           `msgpack:"assets_path"`
	SDKVersion string           `msgpack:"sdk_version"`
	FileMtimes map[string]int64 `msgpack:"file_mtimes"`
}

// Runner 迁移执行器
type Runner struct {
	assetsDir string
	store     *db.Store
	kvStore   *kv.Store
}

// NewRunner 创建迁移执行器
func NewRunner(assetsDir string, store *db.Store, kvStore *kv.Store) *Runner {
	return &Runner{
		assetsDir: assetsDir,
		store:     store,
		kvStore:   kvStore,
	}
}

// Run 应用所有未执行的迁移
// 指纹未变化时直接跳过扫描；失败时数据库停留在最后一个成功应用的迁移
func (r *Runner) Run() error {
	current, err := r.computeFingerprint()
	if err != nil {
		return err
	}

	var cached assetsFingerprint
	ok, err := r.kvStore.Get(kv.KeyAssetsCache, &cached)
	if err != nil {
		return err
	}
	if ok && fingerprintEqual(cached, current) {
		logger.Debug("迁移目录未变化，跳过扫描",
			zap.String("assets_dir", r.assetsDir))
		return nil
	}

	if err := r.ensureVersionTable(); err != nil {
		return err
	}

	applied, err := r.applyPending()
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.Info("迁移完成", zap.Int("applied", applied))
	}

	return r.kvStore.Put(kv.KeyAssetsCache, current)
}

// computeFingerprint 计算迁移目录指纹
func (r *Runner) computeFingerprint() (assetsFingerprint, error) {
	fp := assetsFingerprint{
		AssetsPath: r.assetsDir,
		SDKVersion: SDKVersion,
		FileMtimes: map[string]int64{},
	}

	entries, err := os.ReadDir(r.assetsDir)
	if err != nil {
		return fp, errors.Wrap(errors.KindDatabase, "read assets dir", err)
	}
	for _, e := range entries {
		if e.IsDir() || !migrationFilePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fp, errors.Wrap(errors.KindDatabase, "stat migration file", err)
		}
		fp.FileMtimes[e.Name()] = info.ModTime().UnixMilli()
	}
	return fp, nil
}

func fingerprintEqual(a, b assetsFingerprint) bool {
	if a.AssetsPath != b.AssetsPath || a.SDKVersion != b.SDKVersion {
		return false
	}
	if len(a.FileMtimes) != len(b.FileMtimes) {
		return false
	}
	for name, mtime := range a.FileMtimes {
		if b.FileMtimes[name] != mtime {
			return false
		}
	}
	return true
}

// ensureVersionTable schema_version 表自身不经迁移文件创建
func (r *Runner) ensureVersionTable() error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			filename TEXT,
			applied_at INTEGER
		)`).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "create schema_version table", err)
	}
	err = r.store.Exec(func(tx *gorm.DB) error {
		return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_schema_version ON schema_version (version)`).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "create schema_version index", err)
	}
	return nil
}

// applyPending 按字典序应用版本号大于当前记录的迁移文件
func (r *Runner) applyPending() (int, error) {
	entries, err := os.ReadDir(r.assetsDir)
	if err != nil {
		return 0, errors.Wrap(errors.KindDatabase, "read assets dir", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && migrationFilePattern.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var currentVersion int64
	err = r.store.Exec(func(tx *gorm.DB) error {
		return tx.Raw("SELECT COALESCE(MAX(version), 0) FROM schema_version").
			Scan(&currentVersion).Error
	})
	if err != nil {
		return 0, errors.Wrap(errors.KindDatabase, "query schema version", err)
	}

	applied := 0
	for _, name := range files {
		version := versionOf(name)
		if version <= currentVersion {
			continue
		}

		sqlBytes, err := os.ReadFile(filepath.Join(r.assetsDir, name))
		if err != nil {
			return applied, errors.Wrap(errors.KindDatabase, "read migration file "+name, err)
		}

		// 单个迁移文件作为一个事务应用
		err = r.store.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range splitStatements(string(sqlBytes)) {
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return tx.Create(&model.SchemaVersion{
				Version:  version,
				Filename: name,
			}).Error
		})
		if err != nil {
			return applied, errors.Wrap(errors.KindDatabase, "apply migration "+name, err)
		}

		logger.Info("已应用迁移", zap.String("file", name), zap.Int64("version", version))
		currentVersion = version
		applied++
	}

	return applied, nil
}

// versionOf 文件名转版本号
// 8位日期名补齐到14位，保证与字典序一致
func versionOf(name string) int64 {
	stamp := strings.TrimSuffix(name, ".sql")
	v, _ := strconv.ParseInt(stamp, 10, 64)
	if len(stamp) == 8 {
		v *= 1_000_000
	}
	return v
}

// splitStatements 以分号切分SQL语句，跳过空白段
// 迁移文件不包含带分号字面量的语句
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
