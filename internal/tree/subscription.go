package tree

import "sync"

// Subscription is a live read of one path. Snapshots are delivered in commit
// order on Updates; the channel is closed when the subscription ends.
type Subscription struct {
	path string
	segs []string
	ch   chan Snapshot

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Snapshot
	closed bool
	err    error
	done   chan struct{}
	detach func(*Subscription)

	// last delivered value, guarded by the owning tree's lock
	last any
}

func newSubscription(p string, segs []string, detach func(*Subscription)) *Subscription {
	s := &Subscription{
		path:   p,
		segs:   segs,
		ch:     make(chan Snapshot),
		done:   make(chan struct{}),
		detach: detach,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Path returns the subscribed path
func (s *Subscription) Path() string {
	return s.path
}

// Updates returns the channel snapshots are delivered on
func (s *Subscription) Updates() <-chan Snapshot {
	return s.ch
}

// Err returns the terminal error once Updates is closed.
// It is nil when the subscription was closed by its owner.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Pending snapshots are dropped.
func (s *Subscription) Close() {
	s.finish(nil)
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.detach != nil {
		s.detach(s)
	}
}

// push queues a snapshot without blocking the writer
func (s *Subscription) push(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, snap)
	s.cond.Signal()
}

func (s *Subscription) run() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = Snapshot{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- next:
		case <-s.done:
			return
		}
	}
}
