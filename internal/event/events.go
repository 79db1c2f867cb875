package event

// SendState 发送任务生命周期状态
type SendState string

const (
	SendEnqueued SendState = "enqueued" // 已入队
	SendSending  SendState = "sending"  // 网络分发中
	SendRetrying SendState = "retrying" // 等待重试
	SendSent     SendState = "sent"     // 服务端已确认
	SendFailed   SendState = "failed"   // 终态失败
)

// SendUpdate 发送任务状态变化
type SendUpdate struct {
	LocalMessageID  uint64    `json:"local_message_id"`
	ChannelID       uint64    `json:"channel_id"`
	State           SendState `json:"state"`
	ServerMessageID uint64    `json:"server_message_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// MessageSnapshot 投递给观察者的消息快照（不可变副本）
type MessageSnapshot struct {
	ServerMessageID uint64 `json:"server_message_id"`
	ChannelID       uint64 `json:"channel_id"`
	ChannelType     uint8  `json:"channel_type"`
	FromUID         uint64 `json:"from_uid"`
	Content         string `json:"content"`
	MessageType     int32  `json:"message_type"`
	Pts             uint64 `json:"pts"`
	Timestamp       int64  `json:"timestamp"`
}

// TimelineEvent 频道时间线追加
type TimelineEvent struct {
	ChannelID   uint64          `json:"channel_id"`
	ChannelType uint8           `json:"channel_type"`
	Message     MessageSnapshot `json:"message"`
}

// ChannelListEvent 频道列表条目变化
type ChannelListEvent struct {
	ChannelID   uint64 `json:"channel_id"`
	ChannelType uint8  `json:"channel_type"`
	UnreadCount uint32 `json:"unread_count"`
	LastPts     uint64 `json:"last_pts"`
}

// TypingEvent 正在输入
type TypingEvent struct {
	ChannelID uint64 `json:"channel_id"`
	UID       uint64 `json:"uid"`
	Typing    bool   `json:"typing"`
}

// ReceiptEvent 回执（送达/已读）
type ReceiptEvent struct {
	ChannelID       uint64 `json:"channel_id"`
	ServerMessageID uint64 `json:"server_message_id"`
	UID             uint64 `json:"uid"`
	Read            bool   `json:"read"`
}

// SyncPhase 同步阶段
type SyncPhase string

const (
	SyncBootstrapping SyncPhase = "bootstrapping"
	SyncSynced        SyncPhase = "synced"
	SyncSyncing       SyncPhase = "syncing"
	SyncFailed        SyncPhase = "failed"
)

// SyncStatus 同步状态转移
type SyncStatus struct {
	Phase     SyncPhase `json:"phase"`
	ChannelID uint64    `json:"channel_id,omitempty"`
	LocalPts  uint64    `json:"local_pts,omitempty"`
	ServerPts uint64    `json:"server_pts,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ConnectionState 连接状态（转发给Delegate）
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
)

// SendObserver 发送状态观察者
type SendObserver interface {
	OnSendUpdate(update SendUpdate)
}

// TimelineObserver 频道时间线观察者
type TimelineObserver interface {
	OnTimelineAppend(event TimelineEvent)
}

// ChannelListObserver 频道列表观察者
type ChannelListObserver interface {
	OnChannelListChanged(event ChannelListEvent)
}

// TypingObserver 正在输入观察者
type TypingObserver interface {
	OnTyping(event TypingEvent)
}

// ReceiptsObserver 回执观察者
type ReceiptsObserver interface {
	OnReceipt(event ReceiptEvent)
}

// SyncObserver 同步状态观察者
type SyncObserver interface {
	OnSyncStatus(status SyncStatus)
}

// Delegate 单例委托
// 回调内不得重入同一子系统的可变API
type Delegate interface {
	OnMessageReceived(message MessageSnapshot)
	OnConnectionStateChanged(state ConnectionState)
	OnNetworkStatusChanged(available bool)
	OnEvent(name string, payload map[string]interface{})
}
