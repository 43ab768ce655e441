package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a blob does not exist
var ErrNotFound = errors.New("blob not found")

// Store is the object storage used for post photos
type Store interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) *UploadTask
	DownloadURL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// Progress reports how much of an upload has been transferred
type Progress struct {
	BytesTransferred int64 `json:"bytes_transferred"`
	TotalBytes       int64 `json:"total_bytes"`
}

// Percent returns the transferred share in the range [0, 100]
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 100
	}
	return float64(p.BytesTransferred) / float64(p.TotalBytes) * 100
}

// UploadError wraps a failed upload
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %q: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// DeleteError wraps a failed blob removal
type DeleteError struct {
	Path string
	Err  error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("failed to delete %q: %v", e.Path, e.Err)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

// UploadTask tracks one running upload. Progress updates are delivered on
// Progress until the task settles; Done is closed afterwards.
type UploadTask struct {
	path     string
	total    int64
	progress chan Progress
	done     chan struct{}

	mu       sync.Mutex
	reported int64
	settled  bool
	err      error
}

// progressBuffer bounds the updates held for a slow reader; older ones are dropped
const progressBuffer = 16

func newUploadTask(path string, total int64) *UploadTask {
	return &UploadTask{
		path:     path,
		total:    total,
		reported: -1,
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
	}
}

// Path returns the destination path of the upload
func (t *UploadTask) Path() string {
	return t.path
}

// Progress returns the channel progress updates are delivered on.
// It is closed when the upload settles.
func (t *UploadTask) Progress() <-chan Progress {
	return t.progress
}

// Done is closed when the upload has settled
func (t *UploadTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the upload settles or ctx is done
func (t *UploadTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the upload's failure, nil while running or on success
func (t *UploadTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// report publishes transferred bytes. Only forward progress is published.
func (t *UploadTask) report(transferred int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled || transferred <= t.reported {
		return
	}
	t.reported = transferred
	p := Progress{BytesTransferred: transferred, TotalBytes: t.total}
	for {
		select {
		case t.progress <- p:
			return
		default:
		}
		// drop the oldest update to make room
		select {
		case <-t.progress:
		default:
		}
	}
}

func (t *UploadTask) finish(err error) {
	if err == nil {
		t.report(t.total)
	}
	t.mu.Lock()
	if err != nil {
		t.err = &UploadError{Path: t.path, Err: err}
	}
	t.settled = true
	close(t.progress)
	t.mu.Unlock()
	close(t.done)
}
