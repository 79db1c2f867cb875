package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/internal/repository"
	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/kv"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
)

// taskHeap 优先级堆
// 顺序：优先级、下次可执行时间、同级FIFO序号
type taskHeap []*SendTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if h[i].NextRetryAt != h[j].NextRetryAt {
		return h[i].NextRetryAt < h[j].NextRetryAt
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*SendTask)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// SendQueue 持久化发送队列
// 内存堆是KV镜像之上的索引；入队的消息行、KV镜像与堆推入在逻辑上是一个事务
type SendQueue struct {
	kvStore     *kv.Store
	messageRepo *repository.MessageRepository

	mu      sync.Mutex
	heap    taskHeap
	nextSeq uint64
	notify  chan struct{}
}

// NewSendQueue 创建发送队列
func NewSendQueue(kvStore *kv.Store, messageRepo *repository.MessageRepository) *SendQueue {
	return &SendQueue{
		kvStore:     kvStore,
		messageRepo: messageRepo,
		notify:      make(chan struct{}, 1),
	}
}

// Enqueue 入队一条待发送消息
// 依次写消息行、KV镜像、推入内存堆；镜像写入失败时回滚消息行
func (q *SendQueue) Enqueue(task *SendTask) (uint64, error) {
	message := &model.Message{
		ClientMsgNo: task.ClientMsgNo,
		ChannelID:   task.ChannelID,
		ChannelType: task.ChannelType,
		FromUID:     task.FromUID,
		Content:     task.Content,
		MessageType: task.MessageType,
		Status:      int32(model.StatusSending),
	}
	if err := q.messageRepo.Create(message); err != nil {
		return 0, err
	}
	task.LocalMessageID = message.ID

	if err := q.kvStore.Put(kv.PrefixSendTask+task.ClientMsgNo, task); err != nil {
		// 镜像写入失败，回滚消息行
		_ = q.messageRepo.Delete(message.ID)
		return 0, err
	}

	q.push(task)
	return message.ID, nil
}

// EnqueueBackground 入队无消息行的任务（回执、撤回指令、状态同步）
// 优先级沿用任务自带的值
func (q *SendQueue) EnqueueBackground(task *SendTask) error {
	if err := q.kvStore.Put(kv.PrefixSendTask+task.ClientMsgNo, task); err != nil {
		return err
	}
	q.push(task)
	return nil
}

// Requeue 重试调度后重新入堆并刷新镜像
func (q *SendQueue) Requeue(task *SendTask) error {
	if err := q.kvStore.Put(kv.PrefixSendTask+task.ClientMsgNo, task); err != nil {
		return err
	}
	q.push(task)
	return nil
}

// Complete 任务终结（成功或放弃），删除KV镜像
func (q *SendQueue) Complete(clientMsgNo string) error {
	return q.kvStore.Delete(kv.PrefixSendTask + clientMsgNo)
}

func (q *SendQueue) push(task *SendTask) {
	q.mu.Lock()
	q.nextSeq++
	if task.seq == 0 {
		task.seq = q.nextSeq
	}
	heap.Push(&q.heap, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop 取出下一个可执行任务
// 堆为空或队首未到执行时间时阻塞；ctx取消时返回错误
func (q *SendQueue) Pop(ctx context.Context) (*SendTask, error) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.heap) > 0 {
			top := q.heap[0]
			now := time.Now().UnixMilli()
			if top.NextRetryAt <= now {
				task := heap.Pop(&q.heap).(*SendTask)
				q.mu.Unlock()
				return task, nil
			}
			wait = time.Duration(top.NextRetryAt-now) * time.Millisecond
		}
		q.mu.Unlock()

		if wait < 0 {
			select {
			case <-ctx.Done():
				return nil, errors.New(errors.KindGeneric, "queue closed")
			case <-q.notify:
			}
		} else {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.New(errors.KindGeneric, "queue closed")
			case <-q.notify:
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// Len 当前堆大小
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Recover 崩溃恢复
// 从KV加载全部任务镜像：消息仍处于发送中/重试中的重新入堆，终态的清理镜像
func (q *SendQueue) Recover() (int, error) {
	entries, err := q.kvStore.ScanPrefix(kv.PrefixSendTask)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, entry := range entries {
		var task SendTask
		if err := kv.Decode(entry.Value, &task); err != nil {
			logger.Warn("发送任务镜像损坏，丢弃", zap.String("key", entry.Key))
			_ = q.kvStore.Delete(entry.Key)
			continue
		}

		if task.LocalMessageID == 0 {
			// 后台任务无消息行，直接恢复
			q.push(&task)
			restored++
			continue
		}

		message, err := q.messageRepo.GetByClientMsgNo(task.ClientMsgNo)
		if err != nil {
			return restored, err
		}
		if message == nil {
			_ = q.kvStore.Delete(entry.Key)
			continue
		}
		switch model.MessageStatus(message.Status) {
		case model.StatusSending, model.StatusRetrying:
			q.push(&task)
			restored++
		default:
			// 已终态（Sent/Failed），清理残留镜像
			_ = q.kvStore.Delete(entry.Key)
		}
	}

	if restored > 0 {
		logger.Info("发送队列恢复完成", zap.Int("restored", restored))
	}
	return restored, nil
}
