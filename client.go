package privchat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/privchat/privchat-sdk/config"
	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/media"
	"github.com/privchat/privchat-sdk/internal/migration"
	"github.com/privchat/privchat-sdk/internal/queue"
	"github.com/privchat/privchat-sdk/internal/repository"
	syncengine "github.com/privchat/privchat-sdk/internal/sync"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/kv"
	"github.com/privchat/privchat-sdk/pkg/logger"
	"github.com/privchat/privchat-sdk/pkg/transport"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// 发送重试上限
const defaultMaxRetries = 5

// 发送消费者worker数
const defaultSendWorkers = 4

// Client SDK门面
// 持有全部子系统句柄并协调生命周期：
// initialize → connect → authenticate → 运行 → disconnect → shutdown
type Client struct {
	cfg *config.Config

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	userID      uint64
	token       string

	store       *db.Store
	kvStore     *kv.Store
	messageRepo *repository.MessageRepository
	channelRepo *repository.ChannelRepository
	contactRepo *repository.ContactRepository
	extraRepo   *repository.ExtraRepository

	bus      *event.Bus
	mux      *transport.Mux
	rpc      *transport.RpcClient
	queue    *queue.SendQueue
	consumer *queue.Consumer
	sync     *syncengine.Engine
	media    *media.Pipeline
}

// NewClient 创建客户端
// 校验配置并初始化日志；每用户存储在Initialize时打开
func NewClient(cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logFile := cfg.Log.Filename
	if logFile == "" {
		logFile = filepath.Join(cfg.DataDir, "logs", "sdk.log")
	}
	logger.InitLogger(logger.Options{
		Level:      cfg.Log.Level,
		Filename:   logFile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Debug:      cfg.DebugMode,
	})

	return &Client{
		cfg: cfg,
		bus: event.NewBus(),
	}, nil
}

// Initialize 打开指定用户的本地存储并恢复发送队列
// 重复调用幂等（相同用户）；切换用户需先Shutdown
func (c *Client) Initialize(ctx context.Context, userID uint64) error {
	if userID == 0 {
		return errors.InvalidParameter("userID", "userID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		if c.userID == userID {
			return nil
		}
		return errors.InvalidParameter("userID", "already initialized for another user")
	}
	if c.shutdown {
		// 关停后重新初始化需要新的事件总线
		c.bus = event.NewBus()
	}

	userDir := filepath.Join(c.cfg.DataDir, "users", fmt.Sprintf("%d", userID))
	for _, sub := range []string{
		"media/images", "media/videos", "media/audios", "files", "cache",
	} {
		if err := os.MkdirAll(filepath.Join(userDir, sub), 0755); err != nil {
			return errors.PermissionDenied("create storage dir: " + err.Error())
		}
	}

	kvStore, err := kv.Open(filepath.Join(userDir, "kv"))
	if err != nil {
		return err
	}

	store, err := db.Open(c.cfg.DataDir, userID, c.cfg.DebugMode)
	if err != nil {
		_ = kvStore.Close()
		return err
	}

	runner := migration.NewRunner(c.cfg.AssetsDir, store, kvStore)
	if err := runner.Run(); err != nil {
		_ = store.Close()
		_ = kvStore.Close()
		return err
	}

	c.store = store
	c.kvStore = kvStore
	c.messageRepo = repository.NewMessageRepository(store)
	c.channelRepo = repository.NewChannelRepository(store)
	c.contactRepo = repository.NewContactRepository(store)
	c.extraRepo = repository.NewExtraRepository(store)

	c.mux = transport.NewMux(c.cfg.ServerConfig.Endpoints,
		c.cfg.ConnectionTimeoutDuration(), c.cfg.HeartbeatIntervalDuration())
	c.rpc = transport.NewRpcClient(c.mux, c.cfg.RequestTimeoutDuration())

	c.queue = queue.NewSendQueue(kvStore, c.messageRepo)
	c.consumer = queue.NewConsumer(c.queue, c.rpc, c.messageRepo, c.channelRepo,
		c.bus, c.maxRetries(), defaultSendWorkers)
	c.sync = syncengine.NewEngine(c.rpc, store, kvStore,
		c.messageRepo, c.channelRepo, c.extraRepo, c.contactRepo, c.bus)
	c.sync.SetSelfUID(userID)
	c.consumer.SetGapTrigger(c.sync.TriggerGapSync)

	httpCfg := c.cfg.HTTPClientConfig
	c.media = media.NewPipeline(c.cfg.FileAPIBaseURL,
		time.Duration(httpCfg.ConnectTimeout)*time.Second,
		time.Duration(httpCfg.RequestTimeout)*time.Second,
		httpCfg.EnableRetry, httpCfg.MaxRetries)

	c.registerPushHandlers()
	c.mux.OnStateChange(func(s transport.ConnectionState) {
		c.bus.PublishConnectionState(connStateOf(s))
		c.bus.PublishNetworkStatus(s == transport.StateConnected)
	})

	// 崩溃恢复：重建处于发送中/重试中的任务
	if _, err := c.queue.Recover(); err != nil {
		logger.Warn("发送队列恢复失败", zap.Error(err))
	}

	c.userID = userID
	c.initialized = true
	c.shutdown = false
	logger.Info("SDK初始化完成", zap.Uint64("user_id", userID))
	return nil
}

func (c *Client) maxRetries() uint32 {
	if c.cfg.HTTPClientConfig.MaxRetries > 0 {
		return c.cfg.HTTPClientConfig.MaxRetries
	}
	return defaultMaxRetries
}

func connStateOf(s transport.ConnectionState) event.ConnectionState {
	switch s {
	case transport.StateConnecting:
		return event.ConnConnecting
	case transport.StateConnected:
		return event.ConnConnected
	case transport.StateReconnecting:
		return event.ConnReconnecting
	default:
		return event.ConnDisconnected
	}
}

// registerPushHandlers 服务端推送接入本地各子系统
func (c *Client) registerPushHandlers() {
	c.rpc.HandlePush(transport.RouteMessagePush, func(data json.RawMessage) {
		var wm syncengine.WireMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			logger.Warn("推送消息解码失败", zap.Error(err))
			return
		}
		c.sync.HandleInboundPush(wm)
	})

	c.rpc.HandlePush(transport.RouteReceiptPush, func(data json.RawMessage) {
		var receipt struct {
			ChannelID       uint64 `json:"channel_id"`
			ServerMessageID uint64 `json:"message_id"`
			UID             uint64 `json:"uid"`
			Read            bool   `json:"read"`
			ReadCount       uint32 `json:"read_count"`
			DeliveredCount  uint32 `json:"delivered_count"`
		}
		if err := json.Unmarshal(data, &receipt); err != nil {
			return
		}
		if message, err := c.messageRepo.GetByServerID(receipt.ServerMessageID); err == nil && message != nil {
			_ = c.extraRepo.UpdateReadCount(message.ID, receipt.ReadCount, receipt.DeliveredCount)
		}
		c.bus.PublishReceipt(event.ReceiptEvent{
			ChannelID:       receipt.ChannelID,
			ServerMessageID: receipt.ServerMessageID,
			UID:             receipt.UID,
			Read:            receipt.Read,
		})
	})

	c.rpc.HandlePush(transport.RouteTypingPush, func(data json.RawMessage) {
		var typing event.TypingEvent
		if err := json.Unmarshal(data, &typing); err != nil {
			return
		}
		c.bus.PublishTyping(typing)
	})

	c.rpc.HandlePush(transport.RoutePresencePush, func(data json.RawMessage) {
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		c.bus.PublishGeneric("presence", payload)
	})

	c.rpc.HandlePush(transport.RouteSyncNotice, func(data json.RawMessage) {
		var notice struct {
			ChannelID   uint64 `json:"channel_id"`
			ChannelType uint8  `json:"channel_type"`
			ServerPts   uint64 `json:"server_pts"`
		}
		if err := json.Unmarshal(data, &notice); err != nil {
			return
		}
		c.sync.TriggerGapSync(notice.ChannelID, notice.ChannelType, notice.ServerPts)
	})
}

// requireInitialized 初始化前使用一律失败
func (c *Client) requireInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return errors.NotInitialized()
	}
	return nil
}

// requireConnected 需要活跃连接的操作在副作用前失败
func (c *Client) requireConnected() error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if c.mux.State() != transport.StateConnected {
		return errors.Disconnected()
	}
	return nil
}

// Connect 建立连接并启动发送与同步
// 引导同步在后台运行，不阻塞调用方
func (c *Client) Connect(ctx context.Context) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if err := c.mux.Connect(ctx); err != nil {
		return err
	}
	c.consumer.Start()
	c.sync.Start()
	c.RunBootstrapSyncInBackground()
	return nil
}

// ConnectionState 当前连接状态
func (c *Client) ConnectionState() string {
	if err := c.requireInitialized(); err != nil {
		return transport.StateDisconnected.String()
	}
	return c.mux.State().String()
}

type authRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Nickname   string `json:"nickname,omitempty"`
	DeviceFlag string `json:"device_flag,omitempty"`
}

type authResponse struct {
	UID   uint64 `json:"uid"`
	Token string `json:"token"`
}

// Login 登录
// 服务端签发的token仅做过期检查，不在客户端验签
func (c *Client) Login(ctx context.Context, username, password string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if username == "" {
		return errors.InvalidParameter("username", "username is required")
	}

	deviceFlag, _, _ := c.kvStore.GetString(kv.KeyDeviceFlag)
	if deviceFlag == "" {
		deviceFlag = queue.NewNonce()
		_ = c.kvStore.PutString(kv.KeyDeviceFlag, deviceFlag)
	}

	var resp authResponse
	err := c.rpc.Call(ctx, "auth.login", &authRequest{
		Username:   username,
		Password:   password,
		DeviceFlag: deviceFlag,
	}, &resp)
	if err != nil {
		return err
	}

	if err := checkTokenExpiry(resp.Token); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.sync.SetSelfUID(resp.UID)
	logger.Info("登录成功", zap.Uint64("uid", resp.UID))
	return nil
}

// Register 注册新账号
func (c *Client) Register(ctx context.Context, username, password, nickname string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if username == "" || password == "" {
		return errors.InvalidParameter("username", "username and password are required")
	}
	return c.rpc.Call(ctx, "auth.register", &authRequest{
		Username: username,
		Password: password,
		Nickname: nickname,
	}, nil)
}

// Authenticate 用既有token恢复会话
func (c *Client) Authenticate(ctx context.Context, token string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := checkTokenExpiry(token); err != nil {
		return err
	}
	err := c.rpc.Call(ctx, "auth.token", map[string]string{"token": token}, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// checkTokenExpiry 解析token过期声明
// 不校验签名（密钥在服务端），只拒绝明显过期的token
func checkTokenExpiry(token string) error {
	claims := jwtv5.MapClaims{}
	parser := jwtv5.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return errors.Authentication("malformed token")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return errors.Authentication("malformed token claims")
	}
	if exp != nil && exp.Before(time.Now()) {
		return errors.Authentication("token expired")
	}
	return nil
}

// Disconnect 显式断开
// 在途RPC以Disconnected失败；持久化任务留在队列等待下次连接
func (c *Client) Disconnect() error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	c.consumer.Stop()
	c.sync.Stop()
	c.mux.Disconnect()
	return nil
}

// Shutdown 关停SDK：断开连接、取消同步、关闭存储
// 幂等
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if !c.initialized || c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	c.consumer.Stop()
	c.sync.Stop()
	c.mux.Disconnect()
	c.bus.Close()

	var firstErr error
	if err := c.store.Close(); err != nil {
		firstErr = err
	}
	if err := c.kvStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	_ = logger.Sync()
	logger.Info("SDK已关停")
	return firstErr
}
