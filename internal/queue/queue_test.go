package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/privchat/privchat-sdk/internal/migration"
	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/internal/repository"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEnv 打开迁移完成的每用户存储
func newTestEnv(t *testing.T) (*db.Store, *kv.Store, *repository.MessageRepository) {
	t.Helper()
	dataDir := t.TempDir()

	store, err := db.Open(dataDir, 2002, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	kvStore, err := kv.Open(filepath.Join(dataDir, "kv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })

	assetsDir, err := filepath.Abs(filepath.Join("..", "..", "assets"))
	require.NoError(t, err)
	require.NoError(t, migration.NewRunner(assetsDir, store, kvStore).Run())

	return store, kvStore, repository.NewMessageRepository(store)
}

func TestEnqueueWritesRowAndMirror(t *testing.T) {
	_, kvStore, messageRepo := newTestEnv(t)
	q := NewSendQueue(kvStore, messageRepo)

	task := NewSendTask(NewNonce(), 42, model.ChannelTypePerson, 7, "hi", model.MsgTypeText)
	localID, err := q.Enqueue(task)
	require.NoError(t, err)
	assert.NotZero(t, localID)

	message, err := messageRepo.GetByID(localID)
	require.NoError(t, err)
	assert.Equal(t, int32(model.StatusSending), message.Status)
	assert.Equal(t, task.ClientMsgNo, message.ClientMsgNo)

	var mirror SendTask
	ok, err := kvStore.Get(kv.PrefixSendTask+task.ClientMsgNo, &mirror)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, localID, mirror.LocalMessageID)
	assert.Equal(t, 1, q.Len())
}

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	_, kvStore, messageRepo := newTestEnv(t)
	q := NewSendQueue(kvStore, messageRepo)

	low := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "file", model.MsgTypeFile)
	textA := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "a", model.MsgTypeText)
	textB := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "b", model.MsgTypeText)
	revoke := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "", model.MsgTypeRevoke)

	for _, task := range []*SendTask{low, textA, textB, revoke} {
		_, err := q.Enqueue(task)
		require.NoError(t, err)
	}

	ctx := context.Background()
	got := func() *SendTask {
		task, err := q.Pop(ctx)
		require.NoError(t, err)
		return task
	}

	assert.Equal(t, revoke.ClientMsgNo, got().ClientMsgNo) // Critical
	assert.Equal(t, textA.ClientMsgNo, got().ClientMsgNo)  // High，先入先出
	assert.Equal(t, textB.ClientMsgNo, got().ClientMsgNo)
	assert.Equal(t, low.ClientMsgNo, got().ClientMsgNo) // Low
}

func TestPopWaitsForRetryTime(t *testing.T) {
	_, kvStore, messageRepo := newTestEnv(t)
	q := NewSendQueue(kvStore, messageRepo)

	task := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "x", model.MsgTypeText)
	task.NextRetryAt = time.Now().Add(150 * time.Millisecond).UnixMilli()
	require.NoError(t, q.Requeue(task))

	start := time.Now()
	popped, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.ClientMsgNo, popped.ClientMsgNo)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPopCancelled(t *testing.T) {
	_, kvStore, messageRepo := newTestEnv(t)
	q := NewSendQueue(kvStore, messageRepo)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := q.Pop(ctx)
	require.Error(t, err)
}

func TestCompleteRemovesMirror(t *testing.T) {
	_, kvStore, messageRepo := newTestEnv(t)
	q := NewSendQueue(kvStore, messageRepo)

	task := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "x", model.MsgTypeText)
	_, err := q.Enqueue(task)
	require.NoError(t, err)

	require.NoError(t, q.Complete(task.ClientMsgNo))
	var mirror SendTask
	ok, err := kvStore.Get(kv.PrefixSendTask+task.ClientMsgNo, &mirror)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverRestoresPendingAndPurgesTerminal(t *testing.T) {
	_, kvStore, messageRepo := newTestEnv(t)
	q := NewSendQueue(kvStore, messageRepo)

	pending := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "pending", model.MsgTypeText)
	pendingID, err := q.Enqueue(pending)
	require.NoError(t, err)
	_ = pendingID

	retrying := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "retrying", model.MsgTypeText)
	retryingID, err := q.Enqueue(retrying)
	require.NoError(t, err)
	require.NoError(t, messageRepo.UpdateStatus(retryingID, model.StatusRetrying))

	done := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "done", model.MsgTypeText)
	doneID, err := q.Enqueue(done)
	require.NoError(t, err)
	require.NoError(t, messageRepo.UpdateStatus(doneID, model.StatusSent))

	// 模拟进程重启：新队列从KV恢复
	fresh := NewSendQueue(kvStore, messageRepo)
	restored, err := fresh.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.Equal(t, 2, fresh.Len())

	// 终态任务的镜像被清理
	var mirror SendTask
	ok, err := kvStore.Get(kv.PrefixSendTask+done.ClientMsgNo, &mirror)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRollbackOnMirrorFailure(t *testing.T) {
	_, kvStore, messageRepo := newTestEnv(t)
	q := NewSendQueue(kvStore, messageRepo)

	// 关闭KV迫使镜像写入失败
	require.NoError(t, kvStore.Close())

	task := NewSendTask(NewNonce(), 1, model.ChannelTypePerson, 7, "x", model.MsgTypeText)
	_, err := q.Enqueue(task)
	require.Error(t, err)

	// 消息行已回滚
	message, err := messageRepo.GetByClientMsgNo(task.ClientMsgNo)
	require.NoError(t, err)
	assert.Nil(t, message)
	assert.Equal(t, 0, q.Len())
}

func TestPriorityFromMessageType(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityFromMessageType(model.MsgTypeRevoke))
	assert.Equal(t, PriorityCritical, PriorityFromMessageType(1500))
	assert.Equal(t, PriorityHigh, PriorityFromMessageType(model.MsgTypeText))
	assert.Equal(t, PriorityNormal, PriorityFromMessageType(model.MsgTypeImage))
	assert.Equal(t, PriorityLow, PriorityFromMessageType(model.MsgTypeVideo))
	assert.Equal(t, PriorityBackground, PriorityFromMessageType(model.MsgTypeReceipt))
	assert.Equal(t, PriorityNormal, PriorityFromMessageType(500))
}

func TestPriorityFromOperation(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityFromOperation("revoke"))
	assert.Equal(t, PriorityCritical, PriorityFromOperation("delete"))
	assert.Equal(t, PriorityHigh, PriorityFromOperation("edit"))
	assert.Equal(t, PriorityHigh, PriorityFromOperation("reaction"))
	assert.Equal(t, PriorityLow, PriorityFromOperation("upload"))
	assert.Equal(t, PriorityBackground, PriorityFromOperation("read_receipt"))
	assert.Equal(t, PriorityBackground, PriorityFromOperation("typing_status"))
	assert.Equal(t, PriorityNormal, PriorityFromOperation("send"))
	assert.Equal(t, PriorityNormal, PriorityFromOperation("unknown"))
}
