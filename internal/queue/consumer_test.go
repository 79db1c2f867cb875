package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/privchat/privchat-sdk/internal/event"
	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/internal/repository"
	"github.com/privchat/privchat-sdk/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher 可编程RPC桩
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []*SendRequest
	replies []fakeReply
}

type fakeReply struct {
	ack SendAck
	err error
}

func (f *fakeDispatcher) Call(ctx context.Context, route string, req interface{}, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sr, ok := req.(*SendRequest); ok {
		f.calls = append(f.calls, sr)
	}
	if len(f.replies) == 0 {
		return nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	if reply.err != nil {
		return reply.err
	}
	if ack, ok := out.(*SendAck); ok {
		*ack = reply.ack
	}
	return nil
}

func (f *fakeDispatcher) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		out = append(out, call.Content)
	}
	return out
}

// recordingSendObserver 记录事件序列
type recordingSendObserver struct {
	mu      sync.Mutex
	updates []event.SendUpdate
	done    chan struct{}
	waitFor event.SendState
}

func newRecordingObserver(waitFor event.SendState) *recordingSendObserver {
	return &recordingSendObserver{done: make(chan struct{}), waitFor: waitFor}
}

func (r *recordingSendObserver) OnSendUpdate(update event.SendUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	hit := update.State == r.waitFor
	r.mu.Unlock()
	if hit {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
}

func (r *recordingSendObserver) states() []event.SendState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.SendState, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.State)
	}
	return out
}

func waitOrFail(t *testing.T, ch chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func newConsumerEnv(t *testing.T, dispatcher *fakeDispatcher, maxRetries uint32) (*SendQueue, *Consumer, *repository.MessageRepository, *event.Bus) {
	t.Helper()
	store, kvStore, messageRepo := newTestEnv(t)
	channelRepo := repository.NewChannelRepository(store)
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	q := NewSendQueue(kvStore, messageRepo)
	consumer := NewConsumer(q, dispatcher, messageRepo, channelRepo, bus, maxRetries, 2)
	t.Cleanup(consumer.Stop)
	return q, consumer, messageRepo, bus
}

func TestAckMarksSentAndEmitsInOrder(t *testing.T) {
	dispatcher := &fakeDispatcher{replies: []fakeReply{
		{ack: SendAck{MessageID: 9001, Pts: 1, Timestamp: 1700000000000}},
	}}
	q, consumer, messageRepo, bus := newConsumerEnv(t, dispatcher, 3)

	observer := newRecordingObserver(event.SendSent)
	bus.RegisterSendObserver(observer)

	task := NewSendTask(NewNonce(), 42, model.ChannelTypePerson, 7, "hi", model.MsgTypeText)
	localID, err := q.Enqueue(task)
	require.NoError(t, err)

	consumer.Start()
	waitOrFail(t, observer.done, "send never acked")

	message, err := messageRepo.GetByID(localID)
	require.NoError(t, err)
	assert.Equal(t, int32(model.StatusSent), message.Status)
	assert.Equal(t, uint64(9001), message.ServerMessageID)
	assert.Equal(t, uint64(1), message.Pts)

	states := observer.states()
	assert.Equal(t, []event.SendState{event.SendSending, event.SendSent}, states)
}

func TestRetryableFailureSchedulesRetry(t *testing.T) {
	dispatcher := &fakeDispatcher{replies: []fakeReply{
		{err: errors.Timeout(5)},
		{ack: SendAck{MessageID: 9002, Pts: 1}},
	}}
	q, consumer, messageRepo, bus := newConsumerEnv(t, dispatcher, 3)

	observer := newRecordingObserver(event.SendSent)
	bus.RegisterSendObserver(observer)

	task := NewSendTask(NewNonce(), 42, model.ChannelTypePerson, 7, "hi", model.MsgTypeText)
	localID, err := q.Enqueue(task)
	require.NoError(t, err)

	consumer.Start()
	waitOrFail(t, observer.done, "retry never converged")

	message, err := messageRepo.GetByID(localID)
	require.NoError(t, err)
	assert.Equal(t, int32(model.StatusSent), message.Status)

	states := observer.states()
	assert.Contains(t, states, event.SendRetrying)
	assert.Equal(t, event.SendSent, states[len(states)-1])
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	dispatcher := &fakeDispatcher{replies: []fakeReply{
		{err: errors.Network(403, "forbidden")},
	}}
	q, consumer, messageRepo, bus := newConsumerEnv(t, dispatcher, 3)

	observer := newRecordingObserver(event.SendFailed)
	bus.RegisterSendObserver(observer)

	task := NewSendTask(NewNonce(), 42, model.ChannelTypePerson, 7, "hi", model.MsgTypeText)
	localID, err := q.Enqueue(task)
	require.NoError(t, err)

	consumer.Start()
	waitOrFail(t, observer.done, "never failed")

	message, err := messageRepo.GetByID(localID)
	require.NoError(t, err)
	assert.Equal(t, int32(model.StatusFailed), message.Status)
	assert.NotContains(t, observer.states(), event.SendRetrying)
}

func TestPerChannelOrderPreserved(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	q, consumer, _, bus := newConsumerEnv(t, dispatcher, 3)

	observer := newRecordingObserver(event.SendSent)
	bus.RegisterSendObserver(observer)

	a := NewSendTask(NewNonce(), 9, model.ChannelTypePerson, 7, "a", model.MsgTypeText)
	b := NewSendTask(NewNonce(), 9, model.ChannelTypePerson, 7, "b", model.MsgTypeText)
	_, err := q.Enqueue(a)
	require.NoError(t, err)
	_, err = q.Enqueue(b)
	require.NoError(t, err)

	consumer.Start()

	// 两条都送达后校验服务端观察到的顺序
	require.Eventually(t, func() bool {
		return len(dispatcher.sentContents()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, dispatcher.sentContents())
}

func TestRetryMessageResetsCounters(t *testing.T) {
	dispatcher := &fakeDispatcher{replies: []fakeReply{
		{err: errors.Network(403, "forbidden")},
		{ack: SendAck{MessageID: 9100, Pts: 1}},
	}}
	q, consumer, messageRepo, bus := newConsumerEnv(t, dispatcher, 3)

	failObserver := newRecordingObserver(event.SendFailed)
	bus.RegisterSendObserver(failObserver)

	task := NewSendTask(NewNonce(), 42, model.ChannelTypePerson, 7, "hi", model.MsgTypeText)
	localID, err := q.Enqueue(task)
	require.NoError(t, err)

	consumer.Start()
	waitOrFail(t, failObserver.done, "never failed")

	sentObserver := newRecordingObserver(event.SendSent)
	bus.RegisterSendObserver(sentObserver)
	require.NoError(t, consumer.RetryMessage(localID))
	waitOrFail(t, sentObserver.done, "retry never sent")

	message, err := messageRepo.GetByID(localID)
	require.NoError(t, err)
	assert.Equal(t, int32(model.StatusSent), message.Status)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, isRetryable(errors.Timeout(5)))
	assert.True(t, isRetryable(errors.Disconnected()))
	assert.True(t, isRetryable(errors.Network(429, "rate limited")))
	assert.True(t, isRetryable(errors.Network(503, "unavailable")))
	assert.True(t, isRetryable(errors.NetworkWrap("io", assert.AnError)))

	assert.False(t, isRetryable(errors.Authentication("bad token")))
	assert.False(t, isRetryable(errors.Network(403, "forbidden")))
	assert.False(t, isRetryable(errors.InvalidParameter("content", "too large")))
	assert.False(t, isRetryable(errors.PermissionDenied("denied")))
}
