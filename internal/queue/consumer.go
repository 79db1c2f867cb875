package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/internal/repository"
	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
)

// Dispatcher RPC分发接口，由transport.RpcClient实现
type Dispatcher interface {
	Call(ctx context.Context, route string, req interface{}, out interface{}) error
}

// GapTrigger 确认携带的pts出现间隙时通知同步引擎
type GapTrigger func(channelID uint64, channelType uint8, serverPts uint64)

// SendRequest 消息发送请求体
type SendRequest struct {
	ClientMsgNo string            `json:"client_msg_no"`
	ChannelID   uint64            `json:"channel_id"`
	ChannelType uint8             `json:"channel_type"`
	Content     string            `json:"content"`
	MessageType int32             `json:"message_type"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// SendAck 服务端发送确认
type SendAck struct {
	MessageID uint64 `json:"message_id"`
	Pts       uint64 `json:"pts"`
	Timestamp int64  `json:"timestamp"`
}

// 重试退避上限
const maxBackoffSecs = 64

// Consumer 发送队列消费者
// 多worker并发排空队列，同一频道同时至多一个在途任务
type Consumer struct {
	queue       *SendQueue
	dispatcher  Dispatcher
	messageRepo *repository.MessageRepository
	channelRepo *repository.ChannelRepository
	bus         *event.Bus
	gapTrigger  GapTrigger
	maxRetries  uint32
	workers     int

	lockMu       sync.Mutex
	channelLocks map[uint64]*sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runMu  sync.Mutex
}

// NewConsumer 创建消费者
func NewConsumer(q *SendQueue, dispatcher Dispatcher, messageRepo *repository.MessageRepository,
	channelRepo *repository.ChannelRepository, bus *event.Bus, maxRetries uint32, workers int) *Consumer {
	if workers <= 0 {
		workers = 4
	}
	return &Consumer{
		queue:        q,
		dispatcher:   dispatcher,
		messageRepo:  messageRepo,
		channelRepo:  channelRepo,
		bus:          bus,
		maxRetries:   maxRetries,
		workers:      workers,
		channelLocks: make(map[uint64]*sync.Mutex),
	}
}

// SetGapTrigger 设置间隙回调
func (c *Consumer) SetGapTrigger(trigger GapTrigger) {
	c.gapTrigger = trigger
}

// Start 启动worker
func (c *Consumer) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx)
	}
}

// Stop 停止worker并等待退出
func (c *Consumer) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *Consumer) workerLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		task, err := c.queue.Pop(ctx)
		if err != nil {
			return
		}
		c.process(ctx, task)
	}
}

// lockFor 取频道锁（懒创建）
func (c *Consumer) lockFor(channelID uint64) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.channelLocks[channelID]
	if !ok {
		l = &sync.Mutex{}
		c.channelLocks[channelID] = l
	}
	return l
}

// process 执行一个任务
// 频道锁仅覆盖网络分发；重试等待通过重新入堆完成，不占锁
func (c *Consumer) process(ctx context.Context, task *SendTask) {
	chLock := c.lockFor(task.ChannelID)
	chLock.Lock()
	defer chLock.Unlock()

	if task.LocalMessageID > 0 {
		if err := c.messageRepo.UpdateStatus(task.LocalMessageID, model.StatusSending); err != nil {
			logger.Error("更新消息状态失败", zap.Error(err))
		}
		c.bus.PublishSendUpdate(event.SendUpdate{
			LocalMessageID: task.LocalMessageID,
			ChannelID:      task.ChannelID,
			State:          event.SendSending,
		})
	}

	var ack SendAck
	err := c.dispatcher.Call(ctx, task.Route, &SendRequest{
		ClientMsgNo: task.ClientMsgNo,
		ChannelID:   task.ChannelID,
		ChannelType: task.ChannelType,
		Content:     task.Content,
		MessageType: task.MessageType,
		Extra:       task.Extra,
	}, &ack)

	switch {
	case err == nil:
		c.onAck(task, ack)
	case isRetryable(err):
		c.onRetryable(task, err)
	default:
		c.onFatal(task, err)
	}
}

// onAck 发送成功
func (c *Consumer) onAck(task *SendTask, ack SendAck) {
	defer func() { _ = c.queue.Complete(task.ClientMsgNo) }()

	if task.LocalMessageID == 0 {
		return
	}

	lastPts, err := c.channelRepo.GetLastPts(task.ChannelID)
	if err != nil {
		logger.Error("读取频道pts失败", zap.Error(err))
	}

	if err := c.messageRepo.MarkSent(task.LocalMessageID, ack.MessageID, ack.Timestamp, ack.Pts); err != nil {
		logger.Error("持久化发送确认失败", zap.Error(err))
		return
	}
	_, _ = c.channelRepo.EnsureExists(task.ChannelID, task.ChannelType)
	_ = c.channelRepo.UpdateLastMessage(task.ChannelID, task.LocalMessageID)

	c.bus.PublishSendUpdate(event.SendUpdate{
		LocalMessageID:  task.LocalMessageID,
		ChannelID:       task.ChannelID,
		State:           event.SendSent,
		ServerMessageID: ack.MessageID,
	})

	// 确认的pts越过了本地已知位置，触发间隙同步；否则直接推进
	if ack.Pts > lastPts+1 && c.gapTrigger != nil {
		c.gapTrigger(task.ChannelID, task.ChannelType, ack.Pts)
	} else if ack.Pts > 0 {
		_ = c.channelRepo.AdvanceLastPts(task.ChannelID, ack.Pts)
	}
}

// onRetryable 可重试失败
func (c *Consumer) onRetryable(task *SendTask, err error) {
	task.RetryCount++
	if task.RetryCount > c.maxRetries {
		c.onFatal(task, errors.Wrap(errors.KindNetwork, "max retries exceeded", err))
		return
	}

	backoffSecs := int64(1) << task.RetryCount
	if backoffSecs > maxBackoffSecs {
		backoffSecs = maxBackoffSecs
	}
	// 抖动：0.5x~1.5x
	jittered := float64(backoffSecs) * (0.5 + rand.Float64())
	task.NextRetryAt = time.Now().UnixMilli() + int64(jittered*1000)

	if task.LocalMessageID > 0 {
		_ = c.messageRepo.UpdateStatus(task.LocalMessageID, model.StatusRetrying)
	}
	if reqErr := c.queue.Requeue(task); reqErr != nil {
		logger.Error("任务重新入队失败", zap.Error(reqErr))
	}

	if task.LocalMessageID > 0 {
		c.bus.PublishSendUpdate(event.SendUpdate{
			LocalMessageID: task.LocalMessageID,
			ChannelID:      task.ChannelID,
			State:          event.SendRetrying,
			Reason:         err.Error(),
		})
	}
	logger.Debug("发送失败，调度重试",
		zap.String("nonce", task.ClientMsgNo),
		zap.Uint32("retry", task.RetryCount),
		zap.Error(err))
}

// onFatal 不可重试失败
func (c *Consumer) onFatal(task *SendTask, err error) {
	_ = c.queue.Complete(task.ClientMsgNo)
	if task.LocalMessageID > 0 {
		_ = c.messageRepo.UpdateStatus(task.LocalMessageID, model.StatusFailed)
		c.bus.PublishSendUpdate(event.SendUpdate{
			LocalMessageID: task.LocalMessageID,
			ChannelID:      task.ChannelID,
			State:          event.SendFailed,
			Reason:         err.Error(),
		})
	}
	logger.Warn("发送任务终态失败",
		zap.String("nonce", task.ClientMsgNo),
		zap.Error(err))
}

// RetryMessage 调用方发起的重试
// 重置计数并立即可执行；任务镜像缺失时从消息行重建
func (c *Consumer) RetryMessage(localMessageID uint64) error {
	message, err := c.messageRepo.GetByID(localMessageID)
	if err != nil {
		return err
	}

	task := NewSendTask(message.ClientMsgNo, message.ChannelID, message.ChannelType,
		message.FromUID, message.Content, message.MessageType)
	task.LocalMessageID = message.ID
	task.RetryCount = 0
	task.NextRetryAt = 0

	if err := c.messageRepo.UpdateStatus(message.ID, model.StatusSending); err != nil {
		return err
	}
	return c.queue.Requeue(task)
}

// isRetryable 失败分类
// 超时、断连与瞬时网络错误可重试；认证、权限、参数、实体过大为终态
func isRetryable(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindTimeout, errors.KindDisconnected:
		return true
	case errors.KindNetwork:
		code := errors.CodeOf(err)
		// 0为传输层错误；429限流；5xx服务端瞬时错误
		return code == 0 || code == 429 || code >= 500
	default:
		return false
	}
}
