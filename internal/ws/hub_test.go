package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRelay struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRelay) Forward(_ context.Context, group string, frame []byte, excludeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, group+"|"+string(frame)+"|"+excludeID)
	return r.err
}

func drain(s *Subscriber) []string {
	var out []string
	for {
		select {
		case f := <-s.Frames():
			out = append(out, string(f))
		default:
			return out
		}
	}
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "chat_7", GroupName(7))
	assert.Equal(t, GroupName(42), GroupName(42))
}

func TestJoinLeavePrunesEmptyGroups(t *testing.T) {
	h := NewHub()
	a := NewSubscriber("a", 4)
	b := NewSubscriber("b", 4)

	h.Join("chat_1", a)
	h.Join("chat_1", b)
	h.Join("chat_2", a)
	assert.Equal(t, 2, h.GroupCount())
	assert.Equal(t, 2, h.GroupSize("chat_1"))

	h.Leave("chat_1", a)
	assert.Equal(t, 1, h.GroupSize("chat_1"))
	h.Leave("chat_1", b)
	assert.Equal(t, 0, h.GroupSize("chat_1"))
	assert.Equal(t, 1, h.GroupCount())

	h.Leave("chat_1", b)
	h.Leave("chat_2", a)
	assert.Equal(t, 0, h.GroupCount())
}

func TestPublishIncludesPublisher(t *testing.T) {
	h := NewHub()
	a := NewSubscriber("a", 4)
	b := NewSubscriber("b", 4)
	other := NewSubscriber("c", 4)
	h.Join("chat_1", a)
	h.Join("chat_1", b)
	h.Join("chat_2", other)

	require.NoError(t, h.Publish(context.Background(), "chat_1", []byte(`{"event":"typing"}`)))

	assert.Equal(t, []string{`{"event":"typing"}`}, drain(a))
	assert.Equal(t, []string{`{"event":"typing"}`}, drain(b))
	assert.Empty(t, drain(other))
}

func TestPublishExceptSkipsExcluded(t *testing.T) {
	h := NewHub()
	a := NewSubscriber("a", 4)
	b := NewSubscriber("b", 4)
	h.Join("chat_1", a)
	h.Join("chat_1", b)

	require.NoError(t, h.PublishExcept(context.Background(), "chat_1", []byte("x"), "a"))

	assert.Empty(t, drain(a))
	assert.Equal(t, []string{"x"}, drain(b))
}

func TestPublishToUnknownGroupIsNoop(t *testing.T) {
	h := NewHub()
	require.NoError(t, h.Publish(context.Background(), "chat_404", []byte("x")))
	assert.Equal(t, 0, h.GroupCount())
}

func TestPublishForwardsToRelay(t *testing.T) {
	h := NewHub()
	relay := &recordingRelay{}
	h.SetRelay(relay)

	require.NoError(t, h.PublishExcept(context.Background(), "chat_3", []byte("f"), "me"))
	assert.Equal(t, []string{"chat_3|f|me"}, relay.calls)

	relay.err = errors.New("redis down")
	assert.Error(t, h.Publish(context.Background(), "chat_3", []byte("g")))
}

func TestDeliverDoesNotForward(t *testing.T) {
	h := NewHub()
	relay := &recordingRelay{}
	h.SetRelay(relay)
	a := NewSubscriber("a", 1)
	h.Join("chat_1", a)

	h.Deliver("chat_1", []byte("remote"), "")

	assert.Equal(t, []string{"remote"}, drain(a))
	assert.Empty(t, relay.calls)
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	h := NewHub()
	h.SetDeliverWait(10 * time.Millisecond)
	slow := NewSubscriber("slow", 1)
	fast := NewSubscriber("fast", 8)
	h.Join("chat_1", slow)
	h.Join("chat_1", fast)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Publish(context.Background(), "chat_1", []byte(fmt.Sprint(i))))
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber was not stopped")
	}
	assert.Equal(t, websocket.CloseTryAgainLater, slow.CloseCode())
	assert.Equal(t, []string{"0", "1", "2"}, drain(fast))
}

func TestFullBufferWaitsForReader(t *testing.T) {
	h := NewHub()
	h.SetDeliverWait(time.Second)
	s := NewSubscriber("s", 1)
	h.Join("chat_1", s)

	got := make(chan string, 5)
	go func() {
		for i := 0; i < 5; i++ {
			got <- string(<-s.Frames())
		}
	}()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(context.Background(), "chat_1", []byte(fmt.Sprint(i))))
	}

	var frames []string
	for i := 0; i < 5; i++ {
		select {
		case f := <-got:
			frames = append(frames, f)
		case <-time.After(2 * time.Second):
			t.Fatal("reader starved")
		}
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, frames)
	select {
	case <-s.Done():
		t.Fatal("draining subscriber was evicted")
	default:
	}
	assert.Equal(t, 1, h.GroupSize("chat_1"))
}

func TestDeliverSkipsStoppedSubscriber(t *testing.T) {
	h := NewHub()
	h.SetDeliverWait(time.Minute)
	gone := NewSubscriber("gone", 1)
	live := NewSubscriber("live", 1)
	h.Join("chat_1", gone)
	h.Join("chat_1", live)
	require.True(t, gone.deliver([]byte("queued")))
	gone.Stop(websocket.CloseNormalClosure)

	start := time.Now()
	h.Deliver("chat_1", []byte("x"), "")

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"x"}, drain(live))
	assert.Equal(t, websocket.CloseNormalClosure, gone.CloseCode())
}

func TestSetDeliverWaitResetsNonPositive(t *testing.T) {
	h := NewHub()
	h.SetDeliverWait(-1)
	_, wait := h.snapshot("chat_1")
	assert.Equal(t, DefaultDeliverWait, wait)
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewSubscriber("s", 1)
	s.Stop(websocket.CloseGoingAway)
	s.Stop(websocket.CloseNormalClosure)
	assert.Equal(t, websocket.CloseGoingAway, s.CloseCode())
	assert.False(t, s.deliver([]byte("late")))
}

func TestConcurrentJoinLeavePublish(t *testing.T) {
	h := NewHub()
	const workers = 32

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := NewSubscriber(fmt.Sprintf("s%d", i), 256)
			group := GroupName(int64(i % 4))
			h.Join(group, s)
			for j := 0; j < 20; j++ {
				_ = h.Publish(context.Background(), group, []byte("tick"))
			}
			h.Leave(group, s)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, h.GroupCount())
}
