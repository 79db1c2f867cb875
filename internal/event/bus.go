package event

import (
	"sync"
	"sync/atomic"

	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
)

// 每个观察者的事件缓冲上限，溢出时丢弃最旧事件
const observerBufferSize = 256

type observerKind int

const (
	kindSend observerKind = iota
	kindTimeline
	kindChannelList
	kindTyping
	kindReceipts
	kindSync
	kindDelegate
)

// subscriber 一个已注册的观察者
// 独立goroutine顺序消费自己的缓冲，保证单观察者内事件有序
type subscriber struct {
	token     uint64
	kind      observerKind
	channelID uint64 // 按频道订阅的种类使用，0为全局
	callback  interface{}

	mu     sync.Mutex
	buf    []interface{}
	notify chan struct{}
	closed bool
}

// Bus 事件总线
// 注册返回token，按token注销；分发对生产者非阻塞
type Bus struct {
	mu        sync.RWMutex
	nextToken uint64
	subs      map[uint64]*subscriber
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

func (b *Bus) register(kind observerKind, channelID uint64, callback interface{}) uint64 {
	token := atomic.AddUint64(&b.nextToken, 1)
	sub := &subscriber{
		token:     token,
		kind:      kind,
		channelID: channelID,
		callback:  callback,
		notify:    make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[token] = sub
	b.mu.Unlock()
	go sub.loop()
	return token
}

// Unregister 按token注销观察者
func (b *Bus) Unregister(token uint64) {
	b.mu.Lock()
	sub, ok := b.subs[token]
	if ok {
		delete(b.subs, token)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close 关闭总线，注销全部观察者
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// RegisterSendObserver 注册发送观察者
func (b *Bus) RegisterSendObserver(o SendObserver) uint64 {
	return b.register(kindSend, 0, o)
}

// RegisterTimelineObserver 注册频道时间线观察者
func (b *Bus) RegisterTimelineObserver(channelID uint64, o TimelineObserver) uint64 {
	return b.register(kindTimeline, channelID, o)
}

// RegisterChannelListObserver 注册频道列表观察者
func (b *Bus) RegisterChannelListObserver(o ChannelListObserver) uint64 {
	return b.register(kindChannelList, 0, o)
}

// RegisterTypingObserver 注册输入状态观察者
func (b *Bus) RegisterTypingObserver(channelID uint64, o TypingObserver) uint64 {
	return b.register(kindTyping, channelID, o)
}

// RegisterReceiptsObserver 注册回执观察者
func (b *Bus) RegisterReceiptsObserver(channelID uint64, o ReceiptsObserver) uint64 {
	return b.register(kindReceipts, channelID, o)
}

// RegisterSyncObserver 注册同步观察者
func (b *Bus) RegisterSyncObserver(o SyncObserver) uint64 {
	return b.register(kindSync, 0, o)
}

// SetDelegate 注册单例委托
func (b *Bus) SetDelegate(d Delegate) uint64 {
	return b.register(kindDelegate, 0, d)
}

// snapshot 拷贝当前匹配的订阅者集合，分发与注册互不阻塞
func (b *Bus) snapshot(kind observerKind, channelID uint64) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscriber
	for _, sub := range b.subs {
		if sub.kind != kind {
			continue
		}
		if sub.channelID != 0 && sub.channelID != channelID {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (b *Bus) publish(kind observerKind, channelID uint64, ev interface{}) {
	for _, sub := range b.snapshot(kind, channelID) {
		sub.push(ev)
	}
}

// PublishSendUpdate 分发发送状态变化
func (b *Bus) PublishSendUpdate(update SendUpdate) {
	b.publish(kindSend, 0, update)
}

// PublishTimeline 分发时间线追加
func (b *Bus) PublishTimeline(ev TimelineEvent) {
	b.publish(kindTimeline, ev.ChannelID, ev)
}

// PublishChannelList 分发频道列表变化
func (b *Bus) PublishChannelList(ev ChannelListEvent) {
	b.publish(kindChannelList, 0, ev)
}

// PublishTyping 分发输入状态
func (b *Bus) PublishTyping(ev TypingEvent) {
	b.publish(kindTyping, ev.ChannelID, ev)
}

// PublishReceipt 分发回执
func (b *Bus) PublishReceipt(ev ReceiptEvent) {
	b.publish(kindReceipts, ev.ChannelID, ev)
}

// PublishSyncStatus 分发同步状态
func (b *Bus) PublishSyncStatus(status SyncStatus) {
	b.publish(kindSync, 0, status)
}

// PublishMessageReceived 分发给Delegate：收到消息
func (b *Bus) PublishMessageReceived(snapshot MessageSnapshot) {
	b.publish(kindDelegate, 0, snapshot)
}

// PublishConnectionState 分发给Delegate：连接状态变化
func (b *Bus) PublishConnectionState(state ConnectionState) {
	b.publish(kindDelegate, 0, state)
}

// PublishNetworkStatus 分发给Delegate：网络可用性变化
func (b *Bus) PublishNetworkStatus(available bool) {
	b.publish(kindDelegate, 0, networkStatus(available))
}

// PublishGeneric 分发给Delegate：通用事件
func (b *Bus) PublishGeneric(name string, payload map[string]interface{}) {
	b.publish(kindDelegate, 0, genericEvent{name: name, payload: payload})
}

type networkStatus bool

type genericEvent struct {
	name    string
	payload map[string]interface{}
}

// push 入队一个事件，缓冲满时丢弃最旧的
func (s *subscriber) push(ev interface{}) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= observerBufferSize {
		s.buf = s.buf[1:]
		logger.Warn("观察者事件缓冲溢出，丢弃最旧事件",
			zap.Uint64("token", s.token))
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// loop 顺序消费缓冲并回调
func (s *subscriber) loop() {
	for {
		<-s.notify
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.buf) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			s.deliver(ev)
		}
	}
}

// deliver 按观察者种类回调
func (s *subscriber) deliver(ev interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("观察者回调panic", zap.Any("panic", r))
		}
	}()

	switch s.kind {
	case kindSend:
		s.callback.(SendObserver).OnSendUpdate(ev.(SendUpdate))
	case kindTimeline:
		s.callback.(TimelineObserver).OnTimelineAppend(ev.(TimelineEvent))
	case kindChannelList:
		s.callback.(ChannelListObserver).OnChannelListChanged(ev.(ChannelListEvent))
	case kindTyping:
		s.callback.(TypingObserver).OnTyping(ev.(TypingEvent))
	case kindReceipts:
		s.callback.(ReceiptsObserver).OnReceipt(ev.(ReceiptEvent))
	case kindSync:
		s.callback.(SyncObserver).OnSyncStatus(ev.(SyncStatus))
	case kindDelegate:
		cb := s.callback.(Delegate)
		switch v := ev.(type) {
		case MessageSnapshot:
			cb.OnMessageReceived(v)
		case ConnectionState:
			cb.OnConnectionStateChanged(v)
		case networkStatus:
			cb.OnNetworkStatusChanged(bool(v))
		case genericEvent:
			cb.OnEvent(v.name, v.payload)
		}
	}
}
