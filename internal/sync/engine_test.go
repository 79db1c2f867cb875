package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/migration"
	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/internal/repository"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer 按pts区间回放消息页的RPC桩
type fakeServer struct {
	mu       gosync.Mutex
	messages map[uint64][]WireMessage // channel_id -> 全量消息（按pts升序）
	entities map[string][]json.RawMessage
	entityVersions map[string][]uint64
	failPull bool
}

func (f *fakeServer) Call(ctx context.Context, route string, req interface{}, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch route {
	case routeSyncPull:
		if f.failPull {
			return fmt.Errorf("server unavailable")
		}
		r := req.(*syncPullRequest)
		var page []WireMessage
		for _, wm := range f.messages[r.ChannelID] {
			if wm.Pts > r.SincePts && len(page) < r.Limit {
				page = append(page, wm)
			}
		}
		resp := out.(*syncPullResponse)
		resp.Messages = page
		last := uint64(0)
		if len(page) > 0 {
			last = page[len(page)-1].Pts
		}
		all := f.messages[r.ChannelID]
		resp.HasMore = len(all) > 0 && last < all[len(all)-1].Pts
		return nil

	case routeSyncChannels:
		resp := out.(*syncChannelsResponse)
		for id, msgs := range f.messages {
			serverPts := uint64(0)
			if len(msgs) > 0 {
				serverPts = msgs[len(msgs)-1].Pts
			}
			resp.Channels = append(resp.Channels, channelStatus{
				ChannelID:   id,
				ChannelType: model.ChannelTypePerson,
				ServerPts:   serverPts,
			})
		}
		return nil

	case routeEntitySync:
		r := req.(*entitySyncRequest)
		key := r.EntityType
		items := f.entities[key]
		versions := f.entityVersions[key]
		resp := out.(*entitySyncResponse)
		for i, v := range versions {
			if v > r.SinceVersion && len(resp.Items) < r.Limit {
				resp.Items = append(resp.Items, items[i])
				resp.NextCursor = v
			}
		}
		if resp.NextCursor == 0 {
			resp.NextCursor = r.SinceVersion
		}
		resp.HasMore = len(versions) > 0 && resp.NextCursor < versions[len(versions)-1]
		return nil
	}
	return fmt.Errorf("unknown route %s", route)
}

func serverMessages(channelID uint64, fromPts, toPts uint64, fromUID uint64) []WireMessage {
	var out []WireMessage
	for pts := fromPts; pts <= toPts; pts++ {
		out = append(out, WireMessage{
			MessageID:   channelID*1000 + pts,
			ClientMsgNo: fmt.Sprintf("nonce-%d-%d", channelID, pts),
			ChannelID:   channelID,
			ChannelType: model.ChannelTypePerson,
			FromUID:     fromUID,
			Content:     fmt.Sprintf("m%d", pts),
			MessageType: model.MsgTypeText,
			Pts:         pts,
			Timestamp:   time.Now().UnixMilli(),
		})
	}
	return out
}

func newEngineEnv(t *testing.T, server *fakeServer) (*Engine, *repository.ChannelRepository, *repository.MessageRepository, *event.Bus) {
	t.Helper()
	dataDir := t.TempDir()

	store, err := db.Open(dataDir, 3003, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	kvStore, err := kv.Open(filepath.Join(dataDir, "kv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })

	assetsDir, err := filepath.Abs(filepath.Join("..", "..", "assets"))
	require.NoError(t, err)
	require.NoError(t, migration.NewRunner(assetsDir, store, kvStore).Run())

	messageRepo := repository.NewMessageRepository(store)
	channelRepo := repository.NewChannelRepository(store)
	extraRepo := repository.NewExtraRepository(store)
	contactRepo := repository.NewContactRepository(store)
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	engine := NewEngine(server, store, kvStore, messageRepo, channelRepo, extraRepo, contactRepo, bus)
	engine.SetSelfUID(1)
	t.Cleanup(engine.Stop)
	return engine, channelRepo, messageRepo, bus
}

type countingTimeline struct {
	mu  gosync.Mutex
	pts []uint64
}

func (c *countingTimeline) OnTimelineAppend(e event.TimelineEvent) {
	c.mu.Lock()
	c.pts = append(c.pts, e.Message.Pts)
	c.mu.Unlock()
}

func (c *countingTimeline) snapshot() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.pts...)
}

func TestGapFillPullsAscending(t *testing.T) {
	server := &fakeServer{messages: map[uint64][]WireMessage{
		42: serverMessages(42, 1, 15, 2),
	}}
	engine, channelRepo, _, bus := newEngineEnv(t, server)

	// 本地已同步到10
	_, err := channelRepo.EnsureExists(42, model.ChannelTypePerson)
	require.NoError(t, err)
	require.NoError(t, channelRepo.AdvanceLastPts(42, 10))

	gap, err := engine.Pts().HasGap(42, 15)
	require.NoError(t, err)
	assert.True(t, gap)

	timeline := &countingTimeline{}
	bus.RegisterTimelineObserver(42, timeline)

	require.NoError(t, engine.SyncChannel(context.Background(), 42, model.ChannelTypePerson, 15))

	last, err := channelRepo.GetLastPts(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), last)

	// 时间线观察者按pts升序收到5条
	require.Eventually(t, func() bool {
		return len(timeline.snapshot()) == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{11, 12, 13, 14, 15}, timeline.snapshot())
}

func TestApplyPageIsIdempotent(t *testing.T) {
	server := &fakeServer{messages: map[uint64][]WireMessage{}}
	engine, channelRepo, messageRepo, _ := newEngineEnv(t, server)

	page := serverMessages(7, 1, 3, 2)
	require.NoError(t, engine.ApplyPage(7, model.ChannelTypePerson, page))
	require.NoError(t, engine.ApplyPage(7, model.ChannelTypePerson, page))

	messages, err := messageRepo.GetChannelMessages(7, model.ChannelTypePerson, 0, 50)
	require.NoError(t, err)
	assert.Len(t, messages, 3)

	last, err := channelRepo.GetLastPts(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestUnreadNotBumpedForSelf(t *testing.T) {
	server := &fakeServer{messages: map[uint64][]WireMessage{}}
	engine, channelRepo, _, _ := newEngineEnv(t, server)

	// 自己发的1条 + 对方发的2条
	page := serverMessages(8, 1, 1, 1)
	page = append(page, serverMessages(8, 2, 3, 2)...)
	for i := range page {
		page[i].Pts = uint64(i + 1)
	}
	require.NoError(t, engine.ApplyPage(8, model.ChannelTypePerson, page))

	channel, err := channelRepo.GetByID(8)
	require.NoError(t, err)
	require.NotNil(t, channel)
	assert.Equal(t, uint32(2), channel.UnreadCount)
}

func TestInboundPushContiguousAppends(t *testing.T) {
	server := &fakeServer{messages: map[uint64][]WireMessage{}}
	engine, channelRepo, _, _ := newEngineEnv(t, server)

	wm := serverMessages(9, 1, 1, 2)[0]
	engine.HandleInboundPush(wm)

	last, err := channelRepo.GetLastPts(9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	// 重复推送幂等
	engine.HandleInboundPush(wm)
	last, _ = channelRepo.GetLastPts(9)
	assert.Equal(t, uint64(1), last)
}

func TestInboundPushWithGapTriggersSync(t *testing.T) {
	server := &fakeServer{messages: map[uint64][]WireMessage{
		10: serverMessages(10, 1, 5, 2),
	}}
	engine, channelRepo, _, _ := newEngineEnv(t, server)
	engine.Start()

	// pts=5 越过本地0+1，触发后台间隙同步补齐1..5
	engine.HandleInboundPush(serverMessages(10, 5, 5, 2)[0])

	require.Eventually(t, func() bool {
		last, err := channelRepo.GetLastPts(10)
		return err == nil && last == 5
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBootstrapSyncsAllChannels(t *testing.T) {
	server := &fakeServer{messages: map[uint64][]WireMessage{
		21: serverMessages(21, 1, 3, 2),
		22: serverMessages(22, 1, 7, 2),
	}}
	engine, channelRepo, _, _ := newEngineEnv(t, server)

	require.NoError(t, engine.RunBootstrap(context.Background()))

	last21, _ := channelRepo.GetLastPts(21)
	last22, _ := channelRepo.GetLastPts(22)
	assert.Equal(t, uint64(3), last21)
	assert.Equal(t, uint64(7), last22)
}

func TestEntitySyncAdvancesCursor(t *testing.T) {
	friends := []json.RawMessage{
		json.RawMessage(`{"uid": 100, "remark": "alice", "version": 5}`),
		json.RawMessage(`{"uid": 101, "remark": "bob", "version": 9}`),
	}
	server := &fakeServer{
		messages:       map[uint64][]WireMessage{},
		entities:       map[string][]json.RawMessage{"friend": friends},
		entityVersions: map[string][]uint64{"friend": {5, 9}},
	}
	engine, _, _, _ := newEngineEnv(t, server)

	applied, err := engine.SyncEntities(context.Background(), EntityFriend, "")
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	cursor, err := engine.Cursor(EntityFriend, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), cursor)

	// 第二次增量同步无新数据
	applied, err = engine.SyncEntities(context.Background(), EntityFriend, "")
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestEntitySyncFailureLeavesCursor(t *testing.T) {
	// 未知实体种类的落库失败中止整轮同步
	server := &fakeServer{
		messages:       map[uint64][]WireMessage{},
		entities:       map[string][]json.RawMessage{"bogus": {json.RawMessage(`{}`)}},
		entityVersions: map[string][]uint64{"bogus": {3}},
	}
	engine, _, _, _ := newEngineEnv(t, server)

	_, err := engine.SyncEntities(context.Background(), EntityKind("bogus"), "")
	require.Error(t, err)

	cursor, err := engine.Cursor(EntityKind("bogus"), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)
}

func TestCursorKeyFormat(t *testing.T) {
	assert.Equal(t, "sync_cursor:friend", cursorKey(EntityFriend, ""))
	assert.Equal(t, "sync_cursor:group_member:group_123", cursorKey(EntityGroupMember, "group_123"))
}
