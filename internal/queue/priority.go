package queue

import "github.com/privchat/privchat-sdk/internal/model"

// Priority 队列优先级
// 数值越小越优先
type Priority uint8

const (
	PriorityCritical   Priority = 0 // 撤回、删除
	PriorityHigh       Priority = 1 // 文本、表情
	PriorityNormal     Priority = 2 // 图片、语音
	PriorityLow        Priority = 3 // 文件、视频
	PriorityBackground Priority = 4 // 已读回执、状态同步
)

// PriorityFromMessageType 根据消息类型取优先级
func PriorityFromMessageType(messageType int32) Priority {
	switch {
	case messageType >= 1000 && messageType <= 1999: // 系统消息
		return PriorityCritical
	case messageType == model.MsgTypeRevoke:
		return PriorityCritical
	case messageType == model.MsgTypeText, messageType == model.MsgTypeEmoji:
		return PriorityHigh
	case messageType == model.MsgTypeImage, messageType == model.MsgTypeAudio,
		messageType == model.MsgTypeLocation, messageType == model.MsgTypeCard:
		return PriorityNormal
	case messageType == model.MsgTypeVideo, messageType == model.MsgTypeFile:
		return PriorityLow
	case messageType == model.MsgTypeReceipt, messageType == model.MsgTypeTyping:
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// PriorityFromOperation 根据操作类型取优先级
// 无消息行的操作任务（撤回指令、回应同步、回执）用它而不是消息类型推导
func PriorityFromOperation(operation string) Priority {
	switch operation {
	case "revoke", "delete", "recall":
		return PriorityCritical
	case "edit", "update", "reaction":
		return PriorityHigh
	case "send":
		return PriorityNormal
	case "upload":
		return PriorityLow
	case "read_receipt", "typing_status", "sync":
		return PriorityBackground
	default:
		return PriorityNormal
	}
}
