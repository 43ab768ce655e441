package blob

import (
	"context"
	"sync"
)

const memoryChunkSize = 32 * 1024

// MemoryStore keeps blobs in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Upload copies data in chunks, reporting progress after each one
func (s *MemoryStore) Upload(ctx context.Context, path string, data []byte, contentType string) *UploadTask {
	task := newUploadTask(path, int64(len(data)))
	go func() {
		buf := make([]byte, 0, len(data))
		for off := 0; off < len(data); off += memoryChunkSize {
			if err := ctx.Err(); err != nil {
				task.finish(err)
				return
			}
			end := min(off+memoryChunkSize, len(data))
			buf = append(buf, data[off:end]...)
			task.report(int64(end))
		}

		s.mu.Lock()
		s.objects[path] = buf
		s.types[path] = contentType
		s.mu.Unlock()
		task.finish(nil)
	}()
	return task
}

// DownloadURL returns a mem:// URL for an existing blob
func (s *MemoryStore) DownloadURL(_ context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[path]; !ok {
		return "", ErrNotFound
	}
	return "mem://" + path, nil
}

// Delete removes a blob
func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; !ok {
		return &DeleteError{Path: path, Err: ErrNotFound}
	}
	delete(s.objects, path)
	delete(s.types, path)
	return nil
}

// Object returns a stored blob and its content type
func (s *MemoryStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	return data, s.types[path], ok
}
