package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Subscriber is the delivery endpoint of one joined connection. Frames are
// queued on a bounded buffer drained by the connection's write pump.
type Subscriber struct {
	ID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
}

func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &Subscriber{
		ID:   id,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Frames yields queued frames in publish order.
func (s *Subscriber) Frames() <-chan []byte {
	return s.send
}

// Done is closed once the subscriber has been told to stop.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// CloseCode is the websocket close code chosen when the subscriber stopped.
// Valid only after Done is closed.
func (s *Subscriber) CloseCode() int {
	return s.closeCode
}

// Stop ends delivery with the given close code. Later calls are ignored.
func (s *Subscriber) Stop(code int) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		close(s.done)
	})
}

func (s *Subscriber) deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// deliverWithin queues frame, waiting until deadline is closed when the
// buffer is full. It reports false if the subscriber stopped or the wait
// expired.
func (s *Subscriber) deliverWithin(frame []byte, deadline <-chan struct{}) bool {
	if s.deliver(frame) {
		return true
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	case <-deadline:
		return false
	}
}

// stopSlow evicts a subscriber whose buffer overflowed.
func (s *Subscriber) stopSlow() {
	s.Stop(websocket.CloseTryAgainLater)
}
