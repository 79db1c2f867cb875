package kv

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/privchat/privchat-sdk/pkg/errors"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// 约定的key家族
const (
	KeyAssetsCache     = "assets_cache"  // 迁移目录指纹缓存
	KeyDeviceFlag      = "device_flag"   // 设备标记
	PrefixSyncCursor   = "sync_cursor:"  // 实体同步游标 sync_cursor:<kind>[:<scope>]
	PrefixSendTask     = "send_task:"    // 发送任务镜像 send_task:<nonce>
)

var bucketDefault = []byte("privchat")

// Store 持久化键值存储
// 单key写入原子（每次调用一个bbolt事务），值用msgpack编码
type Store struct {
	db *bolt.DB
}

// Entry 前缀扫描结果
type Entry struct {
	Key   string
	Value []byte
}

// Open 打开键值存储
// 目录不存在时自动创建
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "create kv dir", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "store.db"), 0600, &bolt.Options{
		Timeout: 3 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "open kv store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDefault)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.KindDatabase, "init kv bucket", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭存储
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put 写入任意可msgpack编码的值
func (s *Store) Put(key string, value interface{}) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "encode kv value", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefault).Put([]byte(key), data)
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "put kv value", err)
	}
	return nil
}

// Get 读取并解码到out
// key不存在时返回 (false, nil)
func (s *Store) Get(key string, out interface{}) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDefault).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, errors.Wrap(errors.KindDatabase, "get kv value", err)
	}
	if data == nil {
		return false, nil
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return false, errors.Wrap(errors.KindDatabase, "decode kv value", err)
	}
	return true, nil
}

// PutUint64 写入无符号整数
func (s *Store) PutUint64(key string, value uint64) error {
	return s.Put(key, value)
}

// GetUint64 读取无符号整数，不存在时返回 (0, false, nil)
func (s *Store) GetUint64(key string) (uint64, bool, error) {
	var v uint64
	ok, err := s.Get(key, &v)
	return v, ok, err
}

// PutString 写入字符串
func (s *Store) PutString(key, value string) error {
	return s.Put(key, value)
}

// GetString 读取字符串
func (s *Store) GetString(key string) (string, bool, error) {
	var v string
	ok, err := s.Get(key, &v)
	return v, ok, err
}

// Delete 删除key，key不存在不算错误
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefault).Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "delete kv value", err)
	}
	return nil
}

// ScanPrefix 按key前缀扫描，返回原始编码值
func (s *Store) ScanPrefix(prefix string) ([]Entry, error) {
	var entries []Entry
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDefault).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entries = append(entries, Entry{
				Key:   string(k),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "scan kv prefix", err)
	}
	return entries, nil
}

// DeletePrefix 删除指定前缀下的全部key，返回删除数量
func (s *Store) DeletePrefix(prefix string) (int, error) {
	p := []byte(prefix)
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDefault)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, errors.Wrap(errors.KindDatabase, "delete kv prefix", err)
	}
	return deleted, nil
}

// Decode 解码 ScanPrefix 返回的原始值
func Decode(data []byte, out interface{}) error {
	if err := msgpack.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.KindDatabase, "decode kv value", err)
	}
	return nil
}
