package compose

import (
	"context"
	"encoding/json"
	"sync"
)

// Step is the progress of a post creation
type Step int

const (
	// Published means the post metadata is written and visible, without a photo
	Published Step = iota
	// Uploading means the photo upload of a published post is running
	Uploading
	// Attached means the photo URL was patched into the post
	Attached
	// Failed means the photo could not be attached; the post stays published without it
	Failed
)

func (s Step) String() string {
	switch s {
	case Published:
		return "published"
	case Uploading:
		return "uploading"
	case Attached:
		return "attached"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a point-in-time copy of a saga
type Status struct {
	Key      string `json:"post_key"`
	Step     Step   `json:"step"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Saga is a post creation in flight. Phase one (metadata) has always
// completed by the time a Saga exists; phase two attaches the photo.
type Saga struct {
	key  string
	done chan struct{}

	mu       sync.Mutex
	step     Step
	progress int
	err      error
	notify   func(Status)
}

func newSaga(key string, notify func(Status)) *Saga {
	return &Saga{key: key, done: make(chan struct{}), notify: notify}
}

// Key returns the key of the created post
func (s *Saga) Key() string {
	return s.key
}

func (s *Saga) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Progress returns the upload progress as an integer percentage
func (s *Saga) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Done is closed once the saga has settled
func (s *Saga) Done() <-chan struct{} {
	return s.done
}

// Err returns the phase two failure, if any
func (s *Saga) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the saga settles or ctx is done
func (s *Saga) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Saga) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Saga) statusLocked() Status {
	st := Status{Key: s.key, Step: s.step, Progress: s.progress}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// advance changes the step and progress and publishes the new status
func (s *Saga) advance(step Step, progress int, err error) {
	s.mu.Lock()
	s.step = step
	s.progress = progress
	s.err = err
	st := s.statusLocked()
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(st)
	}
}

func (s *Saga) settle() {
	close(s.done)
}
