package privchat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/privchat/privchat-sdk/config"
	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	assetsDir, err := filepath.Abs("assets")
	require.NoError(t, err)

	ep, err := config.ParseServerURL("tcp://127.0.0.1:1")
	require.NoError(t, err)

	cfg := config.LoadConfig("nonexistent.yaml")
	cfg.DataDir = t.TempDir()
	cfg.AssetsDir = assetsDir
	cfg.ServerConfig.Endpoints = []config.ServerEndpoint{ep}
	cfg.ConnectionTimeout = 1
	cfg.HeartbeatInterval = 30
	return cfg
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown() })
	return client
}

func TestOperationsBeforeInitialize(t *testing.T) {
	client := newTestClient(t)

	_, err := client.SendText(context.Background(), 1, model.ChannelTypePerson, "hi")
	assert.Equal(t, errors.KindNotInitialized, errors.KindOf(err))

	_, err = client.GetChannels(false)
	assert.Equal(t, errors.KindNotInitialized, errors.KindOf(err))

	err = client.Login(context.Background(), "alice", "pw")
	assert.Equal(t, errors.KindNotInitialized, errors.KindOf(err))
}

func TestInitializeCreatesStorageLayout(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Initialize(context.Background(), 1001))

	userDir := filepath.Join(client.cfg.DataDir, "users", "1001")
	for _, sub := range []string{"messages.db", "kv", "media/images", "media/videos", "media/audios", "files", "cache"} {
		_, err := os.Stat(filepath.Join(userDir, sub))
		assert.NoError(t, err, sub)
	}

	// 相同用户重复初始化幂等
	require.NoError(t, client.Initialize(context.Background(), 1001))

	// 切换用户被拒绝
	err := client.Initialize(context.Background(), 2002)
	assert.Equal(t, errors.KindInvalidParameter, errors.KindOf(err))
}

func TestSendTextOfflineIsDurable(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Initialize(context.Background(), 1001))

	observer := &capturingSendObserver{got: make(chan event.SendUpdate, 8)}
	client.RegisterSendObserver(observer)

	// 未连接也能入队：返回本地ID，行持久化为发送中
	localID, err := client.SendText(context.Background(), 7, model.ChannelTypePerson, "offline hello")
	require.NoError(t, err)
	require.NotZero(t, localID)

	messages, err := client.GetMessages(7, model.ChannelTypePerson, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, int32(model.StatusSending), messages[0].Status)
	assert.Equal(t, "offline hello", messages[0].Content)

	select {
	case update := <-observer.got:
		assert.Equal(t, event.SendEnqueued, update.State)
		assert.Equal(t, localID, update.LocalMessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueued event never delivered")
	}

	// 频道首次交互自动建档
	channel, err := client.GetChannel(7)
	require.NoError(t, err)
	require.NotNil(t, channel)
}

type capturingSendObserver struct {
	got chan event.SendUpdate
}

func (c *capturingSendObserver) OnSendUpdate(u event.SendUpdate) {
	select {
	case c.got <- u:
	default:
	}
}

func TestConnectRequiredOperations(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Initialize(context.Background(), 1001))

	err := client.Login(context.Background(), "alice", "pw")
	assert.Equal(t, errors.KindDisconnected, errors.KindOf(err))

	err = client.SendTyping(context.Background(), 7, model.ChannelTypePerson, true)
	assert.Equal(t, errors.KindDisconnected, errors.KindOf(err))

	_, err = client.SyncFriends(context.Background())
	assert.Equal(t, errors.KindDisconnected, errors.KindOf(err))
}

func TestChannelFlags(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Initialize(context.Background(), 1001))

	_, err := client.SendText(context.Background(), 7, model.ChannelTypePerson, "x")
	require.NoError(t, err)

	require.NoError(t, client.SetChannelMute(7, true))
	require.NoError(t, client.SetChannelPinned(7, true))

	channel, err := client.GetChannel(7)
	require.NoError(t, err)
	require.NotNil(t, channel)
	assert.True(t, channel.Mute)
	assert.True(t, channel.Pinned)

	// 隐藏后默认列表不可见，但频道行仍存在
	require.NoError(t, client.SetChannelHidden(7, true))
	visible, err := client.GetChannels(false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := client.GetChannels(true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestShutdownIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Initialize(context.Background(), 1001))
	require.NoError(t, client.Shutdown())
	require.NoError(t, client.Shutdown())

	// 关停后操作回到未初始化
	_, err := client.SendText(context.Background(), 1, model.ChannelTypePerson, "hi")
	assert.Equal(t, errors.KindNotInitialized, errors.KindOf(err))
}

func TestRecoveryAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	client, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background(), 1001))

	localID, err := client.SendText(context.Background(), 7, model.ChannelTypePerson, "will survive")
	require.NoError(t, err)
	require.NoError(t, client.Shutdown())

	// 同一数据目录重启：任务从KV镜像恢复，行保持发送中
	reborn, err := NewClient(cfg)
	require.NoError(t, err)
	defer reborn.Shutdown()
	require.NoError(t, reborn.Initialize(context.Background(), 1001))

	messages, err := reborn.GetMessages(7, model.ChannelTypePerson, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, localID, messages[0].ID)
	assert.Equal(t, int32(model.StatusSending), messages[0].Status)
	assert.Equal(t, 1, reborn.queue.Len())
}

func TestMarkChannelReadResetsUnread(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Initialize(context.Background(), 1001))

	_, err := client.SendText(context.Background(), 7, model.ChannelTypePerson, "x")
	require.NoError(t, err)

	require.NoError(t, client.MarkChannelRead(7, model.ChannelTypePerson))
	channel, err := client.GetChannel(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), channel.UnreadCount)
}
