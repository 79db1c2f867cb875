package queue

import (
	"time"

	"github.com/google/uuid"
)

// SendTask 待发送任务
// 以客户端nonce为主键持久化镜像到KV，进程崩溃后可恢复
// LocalMessageID 为0表示无消息行的后台任务（回执、状态同步）
type SendTask struct {
	ClientMsgNo    string            `msgpack:"client_msg_no"`    // 客户端nonce（UUIDv4）
	LocalMessageID uint64            `msgpack:"local_message_id"` // 本地消息ID
	ChannelID      uint64            `msgpack:"channel_id"`       // 频道ID
	ChannelType    uint8             `msgpack:"channel_type"`     // 频道类型
	FromUID        uint64            `msgpack:"from_uid"`         // 发送者
	Content        string            `msgpack:"content"`          // 消息内容
	MessageType    int32             `msgpack:"message_type"`     // 消息类型
	Route          string            `msgpack:"route"`            // RPC路由
	Extra          map[string]string `msgpack:"extra,omitempty"`  // 扩展数据
	Priority       Priority          `msgpack:"priority"`         // 优先级
	RetryCount     uint32            `msgpack:"retry_count"`      // 已重试次数
	NextRetryAt    int64             `msgpack:"next_retry_at"`    // 下次可执行时间(毫秒)
	CreatedAt      int64             `msgpack:"created_at"`       // 创建时间(毫秒)

	seq uint64 // 同级FIFO序号，仅内存态
}

// NewNonce 生成客户端nonce
func NewNonce() string {
	return uuid.NewString()
}

// NewSendTask 创建发送任务
func NewSendTask(nonce string, channelID uint64, channelType uint8, fromUID uint64, content string, messageType int32) *SendTask {
	return &SendTask{
		ClientMsgNo: nonce,
		ChannelID:   channelID,
		ChannelType: channelType,
		FromUID:     fromUID,
		Content:     content,
		MessageType: messageType,
		Route:       "message.send",
		Priority:    PriorityFromMessageType(messageType),
		CreatedAt:   time.Now().UnixMilli(),
	}
}
