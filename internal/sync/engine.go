package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/internal/repository"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/kv"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher RPC分发接口
type Dispatcher interface {
	Call(ctx context.Context, route string, req interface{}, out interface{}) error
}

// 同步RPC路由
const (
	routeSyncPull     = "sync.pull"
	routeSyncChannels = "sync.channels"
	routeEntitySync   = "entity.sync"
)

// 单页拉取的消息条数
const syncPageSize = 100

// 引导同步的频道级并发上限
const bootstrapConcurrency = 4

// WireMessage 同步下行的消息体
type WireMessage struct {
	MessageID   uint64 `json:"message_id"`
	ClientMsgNo string `json:"client_msg_no"`
	ChannelID   uint64 `json:"channel_id"`
	ChannelType uint8  `json:"channel_type"`
	FromUID     uint64 `json:"from_uid"`
	Content     string `json:"content"`
	MessageType int32  `json:"message_type"`
	Pts         uint64 `json:"pts"`
	Timestamp   int64  `json:"timestamp"`
	Mentions    []uint64 `json:"mentions,omitempty"`
	MentionAll  bool   `json:"mention_all,omitempty"`
}

type syncPullRequest struct {
	ChannelID   uint64 `json:"channel_id"`
	ChannelType uint8  `json:"channel_type"`
	SincePts    uint64 `json:"since_pts"`
	Limit       int    `json:"limit"`
}

type syncPullResponse struct {
	Messages []WireMessage `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

type channelStatus struct {
	ChannelID   uint64 `json:"channel_id"`
	ChannelType uint8  `json:"channel_type"`
	ServerPts   uint64 `json:"server_pts"`
}

type syncChannelsResponse struct {
	Channels []channelStatus `json:"channels"`
}

// Engine 同步引擎
// 频道pts同步与实体游标同步两种模式交织运行
type Engine struct {
	dispatcher  Dispatcher
	store       *db.Store
	kvStore     *kv.Store
	pts         *PtsManager
	messageRepo *repository.MessageRepository
	channelRepo *repository.ChannelRepository
	extraRepo   *repository.ExtraRepository
	contactRepo *repository.ContactRepository
	bus         *event.Bus

	selfUID uint64

	// 频道级间隙合并：同频道并发触发只保留最大目标pts
	gapMu      gosync.Mutex
	gapTargets map[uint64]gapTarget
	gapNotify  chan struct{}

	runMu    gosync.Mutex
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	supervised bool
}

type gapTarget struct {
	channelType uint8
	serverPts   uint64
}

// NewEngine 创建同步引擎
func NewEngine(dispatcher Dispatcher, store *db.Store, kvStore *kv.Store,
	messageRepo *repository.MessageRepository, channelRepo *repository.ChannelRepository,
	extraRepo *repository.ExtraRepository, contactRepo *repository.ContactRepository,
	bus *event.Bus) *Engine {
	return &Engine{
		dispatcher:  dispatcher,
		store:       store,
		kvStore:     kvStore,
		pts:         NewPtsManager(channelRepo),
		messageRepo: messageRepo,
		channelRepo: channelRepo,
		extraRepo:   extraRepo,
		contactRepo: contactRepo,
		bus:         bus,
		gapTargets:  make(map[uint64]gapTarget),
		gapNotify:   make(chan struct{}, 1),
	}
}

// SetSelfUID 设置当前用户（未读数判定用）
func (e *Engine) SetSelfUID(uid uint64) { e.selfUID = uid }

// Pts pts管理器
func (e *Engine) Pts() *PtsManager { return e.pts }

// TriggerGapSync 间隙触发
// 同频道的并发触发合并为一次，目标pts取最大值
func (e *Engine) TriggerGapSync(channelID uint64, channelType uint8, serverPts uint64) {
	e.gapMu.Lock()
	cur, ok := e.gapTargets[channelID]
	if !ok || serverPts > cur.serverPts {
		e.gapTargets[channelID] = gapTarget{channelType: channelType, serverPts: serverPts}
	}
	e.gapMu.Unlock()

	select {
	case e.gapNotify <- struct{}{}:
	default:
	}
}

// Start 启动间隙处理循环
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.gapLoop(ctx)
}

// Stop 取消运行中的同步并等待退出
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.supervised = false
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
		e.wg.Wait()
	}
}

// gapLoop 消费合并后的间隙目标
func (e *Engine) gapLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.gapNotify:
		}

		for {
			e.gapMu.Lock()
			var channelID uint64
			var target gapTarget
			found := false
			for id, t := range e.gapTargets {
				channelID, target, found = id, t, true
				break
			}
			if found {
				delete(e.gapTargets, channelID)
			}
			e.gapMu.Unlock()
			if !found {
				break
			}

			if e.isSupervised() {
				e.bus.PublishSyncStatus(event.SyncStatus{
					Phase:     event.SyncSyncing,
					ChannelID: channelID,
					ServerPts: target.serverPts,
				})
			}
			if err := e.SyncChannel(ctx, channelID, target.channelType, target.serverPts); err != nil {
				logger.Warn("间隙同步失败",
					zap.Uint64("channel_id", channelID),
					zap.Error(err))
				if e.isSupervised() {
					e.bus.PublishSyncStatus(event.SyncStatus{
						Phase:     event.SyncFailed,
						ChannelID: channelID,
						Error:     err.Error(),
					})
				}
				continue
			}
			if e.isSupervised() {
				e.bus.PublishSyncStatus(event.SyncStatus{
					Phase:     event.SyncSynced,
					ChannelID: channelID,
				})
			}
		}
	}
}

func (e *Engine) isSupervised() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.supervised
}

// SyncChannel 频道pts同步
// 按升序分页拉取 (local, server] 区间的消息并逐页原子落库
func (e *Engine) SyncChannel(ctx context.Context, channelID uint64, channelType uint8, serverPts uint64) error {
	for {
		local, err := e.pts.LocalPts(channelID)
		if err != nil {
			return err
		}
		if serverPts > 0 && local >= serverPts {
			return nil
		}

		var resp syncPullResponse
		err = e.dispatcher.Call(ctx, routeSyncPull, &syncPullRequest{
			ChannelID:   channelID,
			ChannelType: channelType,
			SincePts:    local,
			Limit:       syncPageSize,
		}, &resp)
		if err != nil {
			return err
		}
		if len(resp.Messages) == 0 {
			return nil
		}

		if err := e.ApplyPage(channelID, channelType, resp.Messages); err != nil {
			return err
		}
		if !resp.HasMore {
			return nil
		}

		// 服务端返回的页未推进本地位置，中止以免死循环
		advanced, err := e.pts.LocalPts(channelID)
		if err != nil {
			return err
		}
		if advanced <= local {
			return errors.Network(0, "sync page did not advance pts")
		}
	}
}

// ApplyPage 原子应用一页消息
// 按server_message_id幂等upsert，推进last_pts，非本人消息累加未读
func (e *Engine) ApplyPage(channelID uint64, channelType uint8, messages []WireMessage) error {
	if len(messages) == 0 {
		return nil
	}
	if _, err := e.channelRepo.EnsureExists(channelID, channelType); err != nil {
		return err
	}

	maxPts := uint64(0)
	unread := 0
	err := e.store.Transaction(func(tx *gorm.DB) error {
		for _, wm := range messages {
			nonce := wm.ClientMsgNo
			if nonce == "" {
				// 服务端未携带nonce时用服务端ID合成，维持nonce唯一索引
				nonce = fmt.Sprintf("srv-%d", wm.MessageID)
			}
			row := &model.Message{
				ClientMsgNo:     nonce,
				ServerMessageID: wm.MessageID,
				ChannelID:       wm.ChannelID,
				ChannelType:     wm.ChannelType,
				FromUID:         wm.FromUID,
				Content:         wm.Content,
				MessageType:     wm.MessageType,
				Status:          int32(model.StatusSent),
				Pts:             wm.Pts,
				Timestamp:       wm.Timestamp,
			}
			if err := e.messageRepo.UpsertByServerID(tx, row); err != nil {
				return err
			}
			for _, uid := range wm.Mentions {
				if err := e.extraRepo.UpsertMention(tx, &model.Mention{
					MessageID: row.ID,
					UID:       uid,
					IsAll:     wm.MentionAll,
				}); err != nil {
					return err
				}
			}
			if wm.Pts > maxPts {
				maxPts = wm.Pts
			}
			if wm.FromUID != e.selfUID {
				unread++
			}
		}
		if maxPts > 0 {
			if err := tx.Model(&model.Channel{}).
				Where("channel_id = ? AND last_pts < ?", channelID, maxPts).
				Update("last_pts", maxPts).Error; err != nil {
				return err
			}
		}
		if unread > 0 {
			if err := tx.Model(&model.Channel{}).
				Where("channel_id = ?", channelID).
				Update("unread_count", gorm.Expr("unread_count + ?", unread)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "apply sync page", err)
	}

	if maxPts > 0 {
		_ = e.pts.Advance(channelID, maxPts)
	}

	// 事务提交后按pts升序通知观察者
	for _, wm := range messages {
		snapshot := event.MessageSnapshot{
			ServerMessageID: wm.MessageID,
			ChannelID:       wm.ChannelID,
			ChannelType:     wm.ChannelType,
			FromUID:         wm.FromUID,
			Content:         wm.Content,
			MessageType:     wm.MessageType,
			Pts:             wm.Pts,
			Timestamp:       wm.Timestamp,
		}
		e.bus.PublishTimeline(event.TimelineEvent{
			ChannelID:   channelID,
			ChannelType: channelType,
			Message:     snapshot,
		})
		if wm.FromUID != e.selfUID {
			e.bus.PublishMessageReceived(snapshot)
		}
	}

	channel, err := e.channelRepo.GetByID(channelID)
	if err == nil && channel != nil {
		e.bus.PublishChannelList(event.ChannelListEvent{
			ChannelID:   channel.ChannelID,
			ChannelType: channel.ChannelType,
			UnreadCount: channel.UnreadCount,
			LastPts:     channel.LastPts,
		})
	}
	return nil
}

// HandleInboundPush 入站推送消息
// pts连续时直接落库；出现间隙时调度目标同步
func (e *Engine) HandleInboundPush(wm WireMessage) {
	local, err := e.pts.LocalPts(wm.ChannelID)
	if err != nil {
		logger.Error("读取本地pts失败", zap.Error(err))
		return
	}

	if wm.Pts > local+1 {
		// 间隙：整段 (local, pts] 交给同步引擎补齐
		e.TriggerGapSync(wm.ChannelID, wm.ChannelType, wm.Pts)
		return
	}
	if wm.Pts != 0 && wm.Pts <= local {
		// 已应用过，幂等忽略
		return
	}
	if err := e.ApplyPage(wm.ChannelID, wm.ChannelType, []WireMessage{wm}); err != nil {
		logger.Error("推送消息落库失败", zap.Error(err))
	}
}

// RunBootstrap 引导同步
// 向服务端询问全部频道的server_pts，受并发上限约束逐频道对齐
func (e *Engine) RunBootstrap(ctx context.Context) error {
	var resp syncChannelsResponse
	if err := e.dispatcher.Call(ctx, routeSyncChannels, nil, &resp); err != nil {
		return err
	}

	sem := make(chan struct{}, bootstrapConcurrency)
	var wg gosync.WaitGroup
	var firstErr error
	var errMu gosync.Mutex

	for _, ch := range resp.Channels {
		wg.Add(1)
		sem <- struct{}{}
		go func(ch channelStatus) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := e.channelRepo.EnsureExists(ch.ChannelID, ch.ChannelType); err != nil {
				return
			}
			if err := e.SyncChannel(ctx, ch.ChannelID, ch.ChannelType, ch.ServerPts); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(ch)
	}
	wg.Wait()
	return firstErr
}

// StartSupervised 监督模式
// 先跑引导同步，之后常驻响应推送；阶段转移经SyncObserver上报
func (e *Engine) StartSupervised(ctx context.Context) error {
	e.runMu.Lock()
	e.supervised = true
	e.runMu.Unlock()

	e.bus.PublishSyncStatus(event.SyncStatus{Phase: event.SyncBootstrapping})
	if err := e.RunBootstrap(ctx); err != nil {
		e.bus.PublishSyncStatus(event.SyncStatus{
			Phase: event.SyncFailed,
			Error: err.Error(),
		})
		return err
	}
	e.bus.PublishSyncStatus(event.SyncStatus{Phase: event.SyncSynced})
	e.Start()
	return nil
}
