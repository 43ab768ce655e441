package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"snapfeed-backend/internal/blob"
	"snapfeed-backend/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyTitle = errors.New("title must not be empty")
	ErrNotImage   = errors.New("attachment is not an image")
	ErrBusy       = errors.New("previous photo upload still running")
)

// Store is the part of the tree the composer writes to
type Store interface {
	GenerateKey(path string) string
	Update(ctx context.Context, path string, fields map[string]any) error
}

// State is the composer's input buffer as shown to the viewer
type State struct {
	Title     string `json:"title"`
	PhotoName string `json:"photo_name,omitempty"`
	Progress  int    `json:"progress"`
	Uploading bool   `json:"uploading"`
	Error     string `json:"error,omitempty"`
}

// Option configures a Composer
type Option func(*Composer)

func WithClock(now func() time.Time) Option {
	return func(c *Composer) { c.now = now }
}

// WithStatus registers a callback receiving every saga status change
func WithStatus(fn func(Status)) Option {
	return func(c *Composer) { c.onStatus = fn }
}

// Composer creates posts for one viewer. The text is published first and the
// optional photo is attached once its upload completes.
type Composer struct {
	store    Store
	blobs    blob.Store
	viewerID string
	now      func() time.Time
	onStatus func(Status)
	logger   zerolog.Logger

	mu          sync.Mutex
	title       string
	photoName   string
	photo       []byte
	contentType string
	progress    int
	uploading   bool
	lastErr     error
}

// New creates a composer writing posts for viewerID
func New(store Store, blobs blob.Store, viewerID string, opts ...Option) *Composer {
	c := &Composer{
		store:    store,
		blobs:    blobs,
		viewerID: viewerID,
		now:      time.Now,
		logger:   log.With().Str("user_id", viewerID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Composer) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.title = title
}

// AttachPhoto sets the photo to upload with the next post. The content must
// sniff as an image.
func (c *Composer) AttachPhoto(name string, data []byte) error {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return fmt.Errorf("%w: detected %s", ErrNotImage, mt.String())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploading {
		return ErrBusy
	}
	c.photoName = name
	c.photo = data
	c.contentType = mt.String()
	c.progress = 0
	return nil
}

// CanSubmit reports whether Submit would publish a post
func (c *Composer) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.title) != "" && !c.uploading
}

func (c *Composer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Title:     c.title,
		PhotoName: c.photoName,
		Progress:  c.progress,
		Uploading: c.uploading,
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	return st
}

// Submit publishes the buffered post. The metadata write completes before
// Submit returns; the photo, if any, is uploaded in the background and
// outlives ctx. The buffer is cleared right away for text-only posts and
// once the upload settles otherwise.
func (c *Composer) Submit(ctx context.Context) (*Saga, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(c.title) == "" {
		return nil, ErrEmptyTitle
	}
	if c.uploading {
		return nil, ErrBusy
	}

	key := c.store.GenerateKey(models.PostsPath(c.viewerID))
	err := c.store.Update(ctx, models.PostPath(c.viewerID, key), map[string]any{
		"title":     c.title,
		"createdAt": models.FormatTimestamp(c.now()),
		"key":       key,
		"userID":    c.viewerID,
	})
	if err != nil {
		c.lastErr = err
		c.logger.Error().Err(err).Str("post_key", key).Msg("Failed to publish post")
		return nil, fmt.Errorf("failed to publish post: %w", err)
	}
	c.logger.Info().Str("post_key", key).Bool("with_photo", c.photo != nil).Msg("Post published")

	saga := newSaga(key, c.onStatus)
	saga.advance(Published, 0, nil)

	if c.photo == nil {
		c.resetLocked(nil)
		saga.settle()
		return saga, nil
	}

	c.uploading = true
	c.lastErr = nil
	photo, contentType := c.photo, c.contentType
	go c.attach(context.WithoutCancel(ctx), saga, photo, contentType)
	return saga, nil
}

// attach runs phase two: upload, URL resolution and the picURL patch
func (c *Composer) attach(ctx context.Context, saga *Saga, photo []byte, contentType string) {
	defer saga.settle()

	key := saga.Key()
	logger := c.logger.With().Str("post_key", key).Logger()
	saga.advance(Uploading, 0, nil)

	blobPath := models.PostPhotoPath(c.viewerID, key)
	task := c.blobs.Upload(ctx, blobPath, photo, contentType)
	for p := range task.Progress() {
		pct := int(p.Percent())
		c.mu.Lock()
		c.progress = pct
		c.mu.Unlock()
		saga.advance(Uploading, pct, nil)
	}

	fail := func(err error) {
		logger.Error().Err(err).Msg("Failed to attach photo")
		c.mu.Lock()
		c.resetLocked(err)
		c.mu.Unlock()
		saga.advance(Failed, saga.Progress(), err)
	}

	if err := task.Err(); err != nil {
		fail(err)
		return
	}

	url, err := c.blobs.DownloadURL(ctx, blobPath)
	if err != nil {
		fail(&blob.UploadError{Path: blobPath, Err: err})
		return
	}

	if err := c.store.Update(ctx, models.PostPath(c.viewerID, key), map[string]any{"picURL": url}); err != nil {
		fail(fmt.Errorf("failed to attach photo: %w", err))
		return
	}

	c.mu.Lock()
	c.resetLocked(nil)
	c.mu.Unlock()
	saga.advance(Attached, 100, nil)
	logger.Info().Msg("Photo attached")
}

func (c *Composer) resetLocked(err error) {
	c.title = ""
	c.photoName = ""
	c.photo = nil
	c.contentType = ""
	c.progress = 0
	c.uploading = false
	c.lastErr = err
}
