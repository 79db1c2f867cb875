package config

import (
	"os"
	"strconv"
	"time"

	"github.com/privchat/privchat-sdk/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Config SDK配置结构体
type Config struct {
	DataDir           string           `yaml:"dataDir"`           // 每用户存储根目录
	AssetsDir         string           `yaml:"assetsDir"`         // SQL迁移文件目录
	ServerConfig      ServerConfig     `yaml:"serverConfig"`      // 服务端接入点
	ConnectionTimeout uint64           `yaml:"connectionTimeout"` // 单次连接超时(秒)
	HeartbeatInterval uint64           `yaml:"heartbeatInterval"` // 心跳间隔(秒)
	RequestTimeout    uint64           `yaml:"requestTimeout"`    // RPC默认超时(秒)
	FileAPIBaseURL    string           `yaml:"fileApiBaseUrl"`    // 媒体上传下载接入点
	HTTPClientConfig  HTTPClientConfig `yaml:"httpClientConfig"`  // 文件HTTP调优
	DebugMode         bool             `yaml:"debugMode"`         // 详细日志
	Log               LogConfig        `yaml:"log"`               // 日志配置
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Endpoints []ServerEndpoint `yaml:"endpoints"` // 按优先级排列的接入点
}

// HTTPClientConfig 文件HTTP客户端配置
type HTTPClientConfig struct {
	ConnectTimeout uint64 `yaml:"connectTimeout"` // 连接超时(秒)
	RequestTimeout uint64 `yaml:"requestTimeout"` // 请求超时(秒)
	EnableRetry    bool   `yaml:"enableRetry"`    // 是否重试
	MaxRetries     uint32 `yaml:"maxRetries"`     // 最大重试次数
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`      // 日志级别
	Filename   string `yaml:"filename"`   // 日志文件名，空则落在 {dataDir}/logs/sdk.log
	MaxSize    int    `yaml:"maxSize"`    // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"maxBackups"` // 最大备份文件数
	MaxAge     int    `yaml:"maxAge"`     // 最大保存天数
	Compress   bool   `yaml:"compress"`   // 是否压缩
}

// LoadConfig 加载配置（混合方式：YAML文件 + 环境变量）
func LoadConfig(path string) *Config {
	// 1. 首先从YAML文件加载默认配置
	config := loadFromYAML(path)

	// 2. 用环境变量覆盖配置（环境变量优先级更高）
	overrideWithEnvVars(config)

	return config
}

// loadFromYAML 从YAML文件加载配置
func loadFromYAML(filePath string) *Config {
	config := getDefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		// 如果文件不存在，返回默认配置
		return config
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return getDefaultConfig()
	}

	return config
}

// overrideWithEnvVars 用环境变量覆盖配置
func overrideWithEnvVars(config *Config) {
	if dir := getEnv("PRIVCHAT_DATA_DIR", ""); dir != "" {
		config.DataDir = dir
	}
	if dir := getEnv("PRIVCHAT_ASSETS_DIR", ""); dir != "" {
		config.AssetsDir = dir
	}
	if urls := getEnv("PRIVCHAT_SERVER_URLS", ""); urls != "" {
		if endpoints, err := ParseServerURLList(urls); err == nil {
			config.ServerConfig.Endpoints = endpoints
		}
	}
	if timeout := getEnvUint64("PRIVCHAT_CONNECTION_TIMEOUT", 0); timeout > 0 {
		config.ConnectionTimeout = timeout
	}
	if interval := getEnvUint64("PRIVCHAT_HEARTBEAT_INTERVAL", 0); interval > 0 {
		config.HeartbeatInterval = interval
	}
	if timeout := getEnvUint64("PRIVCHAT_REQUEST_TIMEOUT", 0); timeout > 0 {
		config.RequestTimeout = timeout
	}
	if url := getEnv("PRIVCHAT_FILE_API_BASE_URL", ""); url != "" {
		config.FileAPIBaseURL = url
	}
	if debug := getEnv("PRIVCHAT_DEBUG_MODE", ""); debug != "" {
		config.DebugMode, _ = strconv.ParseBool(debug)
	}
	if level := getEnv("PRIVCHAT_LOG_LEVEL", ""); level != "" {
		config.Log.Level = level
	}
}

// getDefaultConfig 获取默认配置
func getDefaultConfig() *Config {
	return &Config{
		ConnectionTimeout: 10,
		HeartbeatInterval: 30,
		RequestTimeout:    15,
		HTTPClientConfig: HTTPClientConfig{
			ConnectTimeout: 10,
			RequestTimeout: 60,
			EnableRetry:    true,
			MaxRetries:     3,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Validate 校验必填字段
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.InvalidParameter("dataDir", "dataDir is required")
	}
	if c.AssetsDir == "" {
		return errors.InvalidParameter("assetsDir", "assetsDir is required")
	}
	if len(c.ServerConfig.Endpoints) == 0 {
		return errors.InvalidParameter("serverConfig.endpoints", "at least one endpoint is required")
	}
	if c.ConnectionTimeout == 0 {
		return errors.InvalidParameter("connectionTimeout", "connectionTimeout is required")
	}
	if c.HeartbeatInterval == 0 {
		return errors.InvalidParameter("heartbeatInterval", "heartbeatInterval is required")
	}
	return nil
}

// ConnectionTimeoutDuration 连接超时时长
func (c *Config) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

// HeartbeatIntervalDuration 心跳间隔时长
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// RequestTimeoutDuration RPC默认超时时长
func (c *Config) RequestTimeoutDuration() time.Duration {
	if c.RequestTimeout == 0 {
		return 15 * time.Second
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

// 辅助函数：获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 辅助函数：获取无符号整数环境变量
func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
