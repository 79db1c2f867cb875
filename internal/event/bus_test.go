package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSendObserver struct {
	mu      sync.Mutex
	updates []SendUpdate
}

func (c *collectingSendObserver) OnSendUpdate(u SendUpdate) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func (c *collectingSendObserver) snapshot() []SendUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SendUpdate(nil), c.updates...)
}

type collectingTimelineObserver struct {
	mu     sync.Mutex
	events []TimelineEvent
}

func (c *collectingTimelineObserver) OnTimelineAppend(e TimelineEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collectingTimelineObserver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestSendObserverReceivesInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	observer := &collectingSendObserver{}
	bus.RegisterSendObserver(observer)

	states := []SendState{SendEnqueued, SendSending, SendRetrying, SendSent}
	for _, s := range states {
		bus.PublishSendUpdate(SendUpdate{LocalMessageID: 1, State: s})
	}

	require.Eventually(t, func() bool {
		return len(observer.snapshot()) == len(states)
	}, 2*time.Second, 5*time.Millisecond)

	got := observer.snapshot()
	for i, s := range states {
		assert.Equal(t, s, got[i].State)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	observer := &collectingSendObserver{}
	token := bus.RegisterSendObserver(observer)

	bus.PublishSendUpdate(SendUpdate{LocalMessageID: 1, State: SendEnqueued})
	require.Eventually(t, func() bool {
		return len(observer.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	bus.Unregister(token)
	bus.PublishSendUpdate(SendUpdate{LocalMessageID: 2, State: SendEnqueued})

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, observer.snapshot(), 1)
}

func TestTimelineObserverFiltersByChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	mine := &collectingTimelineObserver{}
	other := &collectingTimelineObserver{}
	bus.RegisterTimelineObserver(42, mine)
	bus.RegisterTimelineObserver(43, other)

	bus.PublishTimeline(TimelineEvent{ChannelID: 42, Message: MessageSnapshot{Pts: 1}})
	bus.PublishTimeline(TimelineEvent{ChannelID: 42, Message: MessageSnapshot{Pts: 2}})
	bus.PublishTimeline(TimelineEvent{ChannelID: 99, Message: MessageSnapshot{Pts: 3}})

	require.Eventually(t, func() bool {
		return mine.count() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, other.count())
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	release := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once
	blocking := &blockingSendObserver{release: release, first: first, once: &once}
	bus.RegisterSendObserver(blocking)

	// 第一条事件占住回调，随后灌满缓冲并溢出
	bus.PublishSendUpdate(SendUpdate{LocalMessageID: 0, State: SendEnqueued})
	<-first
	for i := 1; i <= observerBufferSize+10; i++ {
		bus.PublishSendUpdate(SendUpdate{LocalMessageID: uint64(i), State: SendEnqueued})
	}
	close(release)

	require.Eventually(t, func() bool {
		got := blocking.snapshot()
		return len(got) >= observerBufferSize
	}, 5*time.Second, 10*time.Millisecond)

	got := blocking.snapshot()
	// 溢出丢弃最旧：最后一条必须是最新事件
	assert.Equal(t, uint64(observerBufferSize+10), got[len(got)-1].LocalMessageID)
	assert.LessOrEqual(t, len(got), observerBufferSize+1)
}

type blockingSendObserver struct {
	mu      sync.Mutex
	updates []SendUpdate
	release chan struct{}
	first   chan struct{}
	once    *sync.Once
}

func (b *blockingSendObserver) OnSendUpdate(u SendUpdate) {
	b.once.Do(func() {
		close(b.first)
		<-b.release
	})
	b.mu.Lock()
	b.updates = append(b.updates, u)
	b.mu.Unlock()
}

func (b *blockingSendObserver) snapshot() []SendUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SendUpdate(nil), b.updates...)
}
