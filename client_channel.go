package privchat

import (
	"context"

	"github.com/privchat/privchat-sdk/config"
	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/model"
	syncengine "github.com/privchat/privchat-sdk/internal/sync"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
)

// 对外复用内部类型
type (
	// Channel 频道行
	Channel = model.Channel
	// ChannelMember 频道成员行
	ChannelMember = model.ChannelMember
	// User 用户行
	User = model.User
	// Friend 好友行
	Friend = model.Friend
	// Group 群组行
	Group = model.Group
	// GroupMember 群成员行
	GroupMember = model.GroupMember
	// Reaction 回应行
	Reaction = model.MessageReaction
	// Reminder 提醒行
	Reminder = model.Reminder

	// ServerEndpoint 服务端接入点
	ServerEndpoint = config.ServerEndpoint

	// SendUpdate 发送状态变化事件
	SendUpdate = event.SendUpdate
	// SendObserver 发送状态观察者
	SendObserver = event.SendObserver
	// TimelineObserver 频道时间线观察者
	TimelineObserver = event.TimelineObserver
	// ChannelListObserver 频道列表观察者
	ChannelListObserver = event.ChannelListObserver
	// TypingObserver 输入状态观察者
	TypingObserver = event.TypingObserver
	// ReceiptsObserver 回执观察者
	ReceiptsObserver = event.ReceiptsObserver
	// SyncObserver 同步状态观察者
	SyncObserver = event.SyncObserver
	// Delegate 单例委托
	Delegate = event.Delegate
	// SyncStatus 同步状态
	SyncStatus = event.SyncStatus
	// EntityKind 实体同步种类
	EntityKind = syncengine.EntityKind
)

// 实体同步种类值
const (
	EntityFriend      = syncengine.EntityFriend
	EntityGroup       = syncengine.EntityGroup
	EntityUser        = syncengine.EntityUser
	EntityGroupMember = syncengine.EntityGroupMember
	EntityRobot       = syncengine.EntityRobot
	EntityReminder    = syncengine.EntityReminder
)

// ParseServerURL 解析服务端URL为接入点
func ParseServerURL(raw string) (ServerEndpoint, error) {
	return config.ParseServerURL(raw)
}

// GetChannels 频道列表（默认不含隐藏频道）
func (c *Client) GetChannels(includeHidden bool) ([]*Channel, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.channelRepo.List(includeHidden)
}

// GetChannel 获取单个频道
func (c *Client) GetChannel(channelID uint64) (*Channel, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.channelRepo.GetByID(channelID)
}

// SetChannelMute 设置免打扰
func (c *Client) SetChannelMute(channelID uint64, mute bool) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	return c.channelRepo.SetFlag(channelID, "mute", mute)
}

// SetChannelPinned 设置置顶
func (c *Client) SetChannelPinned(channelID uint64, pinned bool) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	return c.channelRepo.SetFlag(channelID, "pinned", pinned)
}

// SetChannelHidden 隐藏频道（频道从不删除）
func (c *Client) SetChannelHidden(channelID uint64, hidden bool) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	return c.channelRepo.SetFlag(channelID, "hidden", hidden)
}

// SaveDraft 保存频道草稿
func (c *Client) SaveDraft(channelID uint64, channelType uint8, draft string) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	return c.channelRepo.SaveDraft(channelID, channelType, draft)
}

// GetChannelMembers 频道成员
func (c *Client) GetChannelMembers(channelID uint64, channelType uint8) ([]*ChannelMember, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.channelRepo.ListMembers(channelID, channelType)
}

// GetUser 本地用户资料
func (c *Client) GetUser(uid uint64) (*User, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.contactRepo.GetUser(uid)
}

// GetFriends 好友列表
func (c *Client) GetFriends() ([]*Friend, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.contactRepo.ListFriends()
}

// DeleteFriend 解除好友关系（保留user行）
func (c *Client) DeleteFriend(ctx context.Context, uid uint64) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := c.rpc.Call(ctx, "friend.delete", map[string]uint64{"uid": uid}, nil); err != nil {
		return err
	}
	return c.contactRepo.DeleteFriend(uid)
}

// GetGroups 群组列表
func (c *Client) GetGroups() ([]*Group, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.contactRepo.ListGroups()
}

// GetGroupMembers 群成员列表
func (c *Client) GetGroupMembers(groupID uint64) ([]*GroupMember, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.contactRepo.ListGroupMembers(groupID)
}

// GetReactions 消息的有效回应
func (c *Client) GetReactions(localMessageID uint64) ([]*Reaction, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.extraRepo.ListReactions(localMessageID)
}

// GetReminders 频道待处理提醒
func (c *Client) GetReminders(channelID uint64, channelType uint8) ([]*Reminder, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.extraRepo.ListReminders(channelID, channelType)
}

// SyncEntities 按种类运行实体游标同步，返回应用条数
// 失败中止且游标不回退
func (c *Client) SyncEntities(ctx context.Context, kind EntityKind, scope string) (int, error) {
	if err := c.requireConnected(); err != nil {
		return 0, err
	}
	return c.sync.SyncEntities(ctx, kind, scope)
}

// SyncFriends 同步好友
func (c *Client) SyncFriends(ctx context.Context) (int, error) {
	return c.SyncEntities(ctx, EntityFriend, "")
}

// SyncGroups 同步群组
func (c *Client) SyncGroups(ctx context.Context) (int, error) {
	return c.SyncEntities(ctx, EntityGroup, "")
}

// SyncUsers 同步用户资料
func (c *Client) SyncUsers(ctx context.Context) (int, error) {
	return c.SyncEntities(ctx, EntityUser, "")
}

// RunBootstrapSync 引导同步：对齐全部已知频道
func (c *Client) RunBootstrapSync(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	return c.sync.RunBootstrap(ctx)
}

// RunBootstrapSyncInBackground 后台引导同步
func (c *Client) RunBootstrapSyncInBackground() {
	go func() {
		if err := c.RunBootstrapSync(context.Background()); err != nil {
			logger.Warn("后台引导同步失败", zap.Error(err))
		}
	}()
}

// StartSupervisedSync 监督同步：引导后常驻响应推送
// 阶段转移经observer上报；StopSync、Disconnect或Shutdown终止
func (c *Client) StartSupervisedSync(ctx context.Context, observer SyncObserver) (uint64, error) {
	if err := c.requireConnected(); err != nil {
		return 0, err
	}
	token := c.bus.RegisterSyncObserver(observer)
	if err := c.sync.StartSupervised(ctx); err != nil {
		return token, err
	}
	return token, nil
}

// StopSync 终止同步引擎并等待其退出
// 未处理的间隙目标既不执行也不清除，仍保留在引擎中
func (c *Client) StopSync() {
	if c.sync != nil {
		c.sync.Stop()
	}
}

// --- 观察者注册 ---

// RegisterSendObserver 注册发送观察者，返回注销token
func (c *Client) RegisterSendObserver(o SendObserver) uint64 {
	return c.bus.RegisterSendObserver(o)
}

// RegisterTimelineObserver 注册频道时间线观察者
func (c *Client) RegisterTimelineObserver(channelID uint64, o TimelineObserver) uint64 {
	return c.bus.RegisterTimelineObserver(channelID, o)
}

// RegisterChannelListObserver 注册频道列表观察者
func (c *Client) RegisterChannelListObserver(o ChannelListObserver) uint64 {
	return c.bus.RegisterChannelListObserver(o)
}

// RegisterTypingObserver 注册输入状态观察者
func (c *Client) RegisterTypingObserver(channelID uint64, o TypingObserver) uint64 {
	return c.bus.RegisterTypingObserver(channelID, o)
}

// RegisterReceiptsObserver 注册回执观察者
func (c *Client) RegisterReceiptsObserver(channelID uint64, o ReceiptsObserver) uint64 {
	return c.bus.RegisterReceiptsObserver(channelID, o)
}

// RegisterSyncObserver 注册同步观察者
func (c *Client) RegisterSyncObserver(o SyncObserver) uint64 {
	return c.bus.RegisterSyncObserver(o)
}

// SetDelegate 设置单例委托
func (c *Client) SetDelegate(d Delegate) uint64 {
	return c.bus.SetDelegate(d)
}

// UnregisterObserver 按token注销观察者
func (c *Client) UnregisterObserver(token uint64) {
	c.bus.Unregister(token)
}
