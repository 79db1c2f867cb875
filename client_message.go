package privchat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/media"
	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/internal/queue"
	"github.com/privchat/privchat-sdk/pkg/errors"
)

// 对外复用内部类型
type (
	// Message 消息行
	Message = model.Message
	// AttachmentInfo 文件服务返回的附件信息
	AttachmentInfo = media.AttachmentInfo
	// ProgressObserver 上传进度观察者
	ProgressObserver = media.ProgressObserver
	// VideoProcessHook 外部视频处理钩子
	VideoProcessHook = media.VideoProcessHook
	// MediaProcessOp 视频钩子操作
	MediaProcessOp = media.MediaProcessOp
)

// 视频钩子操作值
const (
	OpThumbnail = media.OpThumbnail
	OpCompress  = media.OpCompress
)

// SendText 发送文本消息
// 离线可用：返回本地消息ID，连接建立后自动投递
func (c *Client) SendText(ctx context.Context, channelID uint64, channelType uint8, content string) (uint64, error) {
	if content == "" {
		return 0, errors.InvalidParameter("content", "content is required")
	}
	return c.enqueueMessage(channelID, channelType, content, model.MsgTypeText, nil)
}

// SendCustom 发送自定义类型消息
func (c *Client) SendCustom(ctx context.Context, channelID uint64, channelType uint8, content string, messageType int32) (uint64, error) {
	return c.enqueueMessage(channelID, channelType, content, messageType, nil)
}

// enqueueMessage 入队核心路径
// 建档频道、生成nonce、持久化任务，返回本地消息ID
func (c *Client) enqueueMessage(channelID uint64, channelType uint8, content string, messageType int32, extra map[string]string) (uint64, error) {
	if err := c.requireInitialized(); err != nil {
		return 0, err
	}
	if channelID == 0 {
		return 0, errors.InvalidParameter("channelID", "channelID is required")
	}

	if _, err := c.channelRepo.EnsureExists(channelID, channelType); err != nil {
		return 0, err
	}

	task := queue.NewSendTask(queue.NewNonce(), channelID, channelType, c.userID, content, messageType)
	task.Extra = extra
	localID, err := c.queue.Enqueue(task)
	if err != nil {
		return 0, err
	}

	c.bus.PublishSendUpdate(event.SendUpdate{
		LocalMessageID: localID,
		ChannelID:      channelID,
		State:          event.SendEnqueued,
	})
	return localID, nil
}

// SendAttachmentFromPath 发送附件（图片/语音/文件/视频）
// 上传先行；视频经外部钩子处理缩略图与压缩
func (c *Client) SendAttachmentFromPath(ctx context.Context, channelID uint64, channelType uint8, path string, messageType int32, progress ProgressObserver) (uint64, error) {
	if err := c.requireInitialized(); err != nil {
		return 0, err
	}

	uploadPath := path
	extra := map[string]string{}

	if messageType == model.MsgTypeVideo {
		workDir := filepath.Join(c.cfg.DataDir, "users",
			fmt.Sprintf("%d", c.userID), "cache", queue.NewNonce())
		prepared, thumbPath, err := c.media.PrepareVideo(path, "", workDir)
		if err != nil {
			return 0, err
		}
		uploadPath = prepared
		extra["thumbnail_path"] = thumbPath
	}

	attach, err := c.media.UploadFile(ctx, uploadPath, progress)
	if err != nil {
		return 0, err
	}
	if thumb := extra["thumbnail_path"]; thumb != "" {
		attach.Thumbnail = thumb
	}

	content, err := json.Marshal(attach)
	if err != nil {
		return 0, errors.Wrap(errors.KindGeneric, "encode attachment", err)
	}
	return c.enqueueMessage(channelID, channelType, string(content), messageType, extra)
}

// SendImage 发送图片
func (c *Client) SendImage(ctx context.Context, channelID uint64, channelType uint8, path string, progress ProgressObserver) (uint64, error) {
	return c.SendAttachmentFromPath(ctx, channelID, channelType, path, model.MsgTypeImage, progress)
}

// SendAudio 发送语音
func (c *Client) SendAudio(ctx context.Context, channelID uint64, channelType uint8, path string, progress ProgressObserver) (uint64, error) {
	return c.SendAttachmentFromPath(ctx, channelID, channelType, path, model.MsgTypeAudio, progress)
}

// SendFile 发送文件
func (c *Client) SendFile(ctx context.Context, channelID uint64, channelType uint8, path string, progress ProgressObserver) (uint64, error) {
	return c.SendAttachmentFromPath(ctx, channelID, channelType, path, model.MsgTypeFile, progress)
}

// SendVideo 发送视频
func (c *Client) SendVideo(ctx context.Context, channelID uint64, channelType uint8, path string, progress ProgressObserver) (uint64, error) {
	return c.SendAttachmentFromPath(ctx, channelID, channelType, path, model.MsgTypeVideo, progress)
}

// SetVideoProcessHook 注册视频处理钩子
func (c *Client) SetVideoProcessHook(hook VideoProcessHook) {
	if c.media != nil {
		c.media.SetVideoHook(hook)
	}
}

// RetryMessage 重试一条失败消息
// 重置重试计数并立即调度
func (c *Client) RetryMessage(localMessageID uint64) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	return c.consumer.RetryMessage(localMessageID)
}

// RevokeMessage 撤回消息
// 撤回走Critical优先级任务；本地立即打撤回标记
func (c *Client) RevokeMessage(ctx context.Context, localMessageID uint64) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	message, err := c.messageRepo.GetByID(localMessageID)
	if err != nil {
		return err
	}

	task := queue.NewSendTask(queue.NewNonce(), message.ChannelID, message.ChannelType,
		c.userID, "", model.MsgTypeRevoke)
	task.Route = "message.revoke"
	task.Priority = queue.PriorityFromOperation("revoke")
	task.Extra = map[string]string{
		"target_client_msg_no": message.ClientMsgNo,
	}
	if err := c.queue.EnqueueBackground(task); err != nil {
		return err
	}

	return c.extraRepo.ApplyRevoke(localMessageID, c.userID)
}

// DeleteMessage 删除本地消息行
func (c *Client) DeleteMessage(localMessageID uint64) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	return c.messageRepo.Delete(localMessageID)
}

// EditMessage 编辑已发送消息
// 服务端确认后更新内容，编辑痕迹记入message_extra
func (c *Client) EditMessage(ctx context.Context, localMessageID uint64, newContent string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if newContent == "" {
		return errors.InvalidParameter("newContent", "newContent is required")
	}
	message, err := c.messageRepo.GetByID(localMessageID)
	if err != nil {
		return err
	}
	if message.ServerMessageID == 0 {
		return errors.InvalidParameter("localMessageID", "message has not been sent yet")
	}

	err = c.rpc.Call(ctx, "message.edit", map[string]interface{}{
		"message_id": message.ServerMessageID,
		"content":    newContent,
	}, nil)
	if err != nil {
		return err
	}

	if err := c.messageRepo.UpdateContent(localMessageID, newContent); err != nil {
		return err
	}
	return c.extraRepo.ApplyEdit(localMessageID, newContent)
}

// GetMessages 分页拉取频道消息
func (c *Client) GetMessages(channelID uint64, channelType uint8, beforeID uint64, limit int) ([]*Message, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.messageRepo.GetChannelMessages(channelID, channelType, beforeID, limit)
}

// SearchMessages 本地全文搜索
func (c *Client) SearchMessages(keyword string, limit int) ([]*Message, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	if keyword == "" {
		return nil, errors.InvalidParameter("keyword", "keyword is required")
	}
	return c.messageRepo.SearchByKeyword(keyword, limit)
}

// MarkChannelRead 标记频道已读
// 本地未读清零；回执以Background优先级上行
func (c *Client) MarkChannelRead(channelID uint64, channelType uint8) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if err := c.channelRepo.ResetUnread(channelID); err != nil {
		return err
	}

	task := queue.NewSendTask(queue.NewNonce(), channelID, channelType, c.userID, "", model.MsgTypeReceipt)
	task.Route = "receipt.read"
	task.Priority = queue.PriorityFromOperation("read_receipt")
	return c.queue.EnqueueBackground(task)
}

// AddReaction 添加回应
func (c *Client) AddReaction(ctx context.Context, localMessageID uint64, emoji string) error {
	return c.toggleReaction(ctx, localMessageID, emoji, false)
}

// RemoveReaction 移除回应
func (c *Client) RemoveReaction(ctx context.Context, localMessageID uint64, emoji string) error {
	return c.toggleReaction(ctx, localMessageID, emoji, true)
}

func (c *Client) toggleReaction(ctx context.Context, localMessageID uint64, emoji string, remove bool) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if emoji == "" {
		return errors.InvalidParameter("emoji", "emoji is required")
	}
	message, err := c.messageRepo.GetByID(localMessageID)
	if err != nil {
		return err
	}

	if err := c.extraRepo.ToggleReaction(localMessageID, c.userID, emoji,
		message.ChannelID, message.ChannelType, remove); err != nil {
		return err
	}

	route := "reaction.add"
	if remove {
		route = "reaction.remove"
	}
	task := queue.NewSendTask(queue.NewNonce(), message.ChannelID, message.ChannelType,
		c.userID, emoji, model.MsgTypeEmoji)
	task.Route = route
	task.Priority = queue.PriorityFromOperation("reaction")
	task.Extra = map[string]string{"target_client_msg_no": message.ClientMsgNo}
	return c.queue.EnqueueBackground(task)
}

// SendTyping 发送正在输入状态（即发即弃）
func (c *Client) SendTyping(ctx context.Context, channelID uint64, channelType uint8, typing bool) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	return c.rpc.Call(ctx, "typing.set", map[string]interface{}{
		"channel_id":   channelID,
		"channel_type": channelType,
		"typing":       typing,
	}, nil)
}

// UploadFile 直接上传文件到文件服务（不产生消息）
func (c *Client) UploadFile(ctx context.Context, path string, progress ProgressObserver) (*AttachmentInfo, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	return c.media.UploadFile(ctx, path, progress)
}

// FileURL 拼出文件下载地址
func (c *Client) FileURL(fileID string) (string, error) {
	if c.cfg.FileAPIBaseURL == "" {
		return "", errors.InvalidParameter("fileApiBaseUrl", "file api base url not configured")
	}
	if fileID == "" {
		return "", errors.InvalidParameter("fileID", "fileID is required")
	}
	return c.cfg.FileAPIBaseURL + "/v1/file/" + fileID, nil
}

// SubscribePresence 订阅用户在线状态
func (c *Client) SubscribePresence(ctx context.Context, uids []uint64) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return errors.InvalidParameter("uids", "at least one uid is required")
	}
	return c.rpc.Call(ctx, "presence.subscribe", map[string]interface{}{"uids": uids}, nil)
}
