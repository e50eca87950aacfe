package feed

import (
	"sync"

	"github.com/eapache/queue"
)

// Subscription delivers notifications over a channel. Notifications are
// buffered without bound so a slow reader never stalls the poller.
type Subscription struct {
	out  chan Notification
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool

	unsubscribe []func()
}

// Channel subscribes to the given notification types (all types when none
// are given) and returns a channel-backed Subscription. Close it when done.
func (p *Poller) Channel(types ...NotificationType) *Subscription {
	if len(types) == 0 {
		types = []NotificationType{ServiceJoin, ServiceTimeout}
	}

	s := &Subscription{
		out:  make(chan Notification),
		done: make(chan struct{}),
		q:    queue.New(),
	}
	s.cond = sync.NewCond(&s.mu)

	for _, t := range types {
		s.unsubscribe = append(s.unsubscribe, p.Subscribe(t, s.push))
	}
	go s.pump()
	return s
}

// C is closed after Close.
func (s *Subscription) C() <-chan Notification {
	return s.out
}

// Close unsubscribes and drops anything still buffered. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, u := range s.unsubscribe {
		u()
	}
}

// Pending is the number of buffered notifications not yet received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length()
}

func (s *Subscription) push(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.q.Add(n)
	s.cond.Signal()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for s.q.Length() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		n := s.q.Remove().(Notification)
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}
