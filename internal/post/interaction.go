package post

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/tree"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRefreshInterval is how often the relative time of an own post is recomputed
const DefaultRefreshInterval = 60 * time.Second

// loadingName is shown until the author record resolves
const loadingName = "Loading..."

var (
	ErrNotOwner     = errors.New("only the author can modify a post")
	ErrInvalidState = errors.New("operation not allowed in current state")
	ErrEmptyTitle   = errors.New("title must not be empty")
	ErrNotConfirmed = errors.New("delete not confirmed")
)

// Store is the part of the tree a post interaction reads and writes
type Store interface {
	Subscribe(ctx context.Context, path string) (*tree.Subscription, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Transaction(ctx context.Context, path string, fn func(current tree.Snapshot) (any, error)) (tree.Snapshot, error)
}

// BlobDeleter removes a post's photo
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// View is the display state of a post as seen by the viewer
type View struct {
	PostKey        string `json:"post_key"`
	AuthorID       string `json:"author_id"`
	AuthorName     string `json:"author_name"`
	AuthorPhotoURL string `json:"author_photo_url,omitempty"`
	Title          string `json:"title"`
	PicURL         string `json:"pic_url,omitempty"`
	Edited         bool   `json:"edited"`
	LikeCount      int    `json:"like_count"`
	LikesLabel     string `json:"likes_label"`
	CommentCount   int    `json:"comment_count"`
	CommentsLabel  string `json:"comments_label"`
	Liked          bool   `json:"liked"`
	RelativeTime   string `json:"relative_time"`
	State          State  `json:"state"`
	EditText       string `json:"edit_text,omitempty"`
	CanModify      bool   `json:"can_modify"`
	Gone           bool   `json:"gone"`
}

// Option configures an Interaction
type Option func(*Interaction)

// WithOwnList marks the post as rendered in the viewer's own list, which
// enables the periodic relative time refresh
func WithOwnList() Option {
	return func(i *Interaction) { i.ownList = true }
}

func WithTimer(t Timer) Option {
	return func(i *Interaction) { i.timer = t }
}

func WithClock(now func() time.Time) Option {
	return func(i *Interaction) { i.now = now }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(i *Interaction) { i.interval = d }
}

// WithOnChange registers a callback receiving every new view. The callback
// must not call back into the Interaction's mutating methods.
func WithOnChange(fn func(View)) Option {
	return func(i *Interaction) { i.onChange = fn }
}

// WithLikeHook registers a callback run after the viewer's like was stored
func WithLikeHook(fn func(ctx context.Context, p models.Post)) Option {
	return func(i *Interaction) { i.onLiked = fn }
}

// Interaction owns the interactive lifecycle of one post for one viewer:
// like toggle, edit in place, delete, author display and relative time.
type Interaction struct {
	store    Store
	blobs    BlobDeleter
	viewerID string
	ownList  bool
	timer    Timer
	now      func() time.Time
	interval time.Duration
	onChange func(View)
	onLiked  func(ctx context.Context, p models.Post)
	logger   zerolog.Logger

	// ops serialises writes, emitMu keeps published views in order
	ops    sync.Mutex
	emitMu sync.Mutex

	mu          sync.Mutex
	post        models.Post
	author      models.User
	authorKnown bool
	liked       bool
	state       State
	editText    string
	relTime     string
	gone        bool
	active      bool
	cancel      context.CancelFunc
	stopTimer   func()
}

// New creates an interaction for p as seen by viewerID
func New(store Store, blobs BlobDeleter, viewerID string, p models.Post, opts ...Option) *Interaction {
	i := &Interaction{
		store:    store,
		blobs:    blobs,
		viewerID: viewerID,
		timer:    TickerTimer(),
		now:      time.Now,
		interval: DefaultRefreshInterval,
		post:     p,
		liked:    p.LikedBy(viewerID),
		state:    Viewing,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = log.With().
		Str("viewer_id", viewerID).
		Str("user_id", p.UserID).
		Str("post_key", p.Key).
		Logger()
	i.relTime = i.relativeTime()
	return i
}

// Activate starts the post, author and like subscriptions and, for own
// posts, the relative time refresh. Activating twice is a no-op.
func (i *Interaction) Activate(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.active || i.state == Deleted {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	paths := []string{
		models.PostPath(i.post.UserID, i.post.Key),
		models.UserPath(i.post.UserID),
		models.LikePath(i.post.UserID, i.post.Key, i.viewerID),
	}
	handlers := []func(tree.Snapshot){i.onPostSnapshot, i.onAuthorSnapshot, i.onLikeSnapshot}

	subs := make([]*tree.Subscription, 0, len(paths))
	for _, p := range paths {
		sub, err := i.store.Subscribe(ctx, p)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", p, err)
		}
		subs = append(subs, sub)
	}

	i.active = true
	i.cancel = cancel
	for n, sub := range subs {
		go i.watch(sub, handlers[n])
	}

	i.relTime = i.relativeTime()
	if i.ownList {
		i.stopTimer = i.timer.Every(i.interval, i.refreshTime)
	}

	i.logger.Debug().Msg("Post interaction activated")
	return nil
}

// Deactivate tears down every subscription and the refresh timer
func (i *Interaction) Deactivate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deactivateLocked()
}

func (i *Interaction) deactivateLocked() {
	if !i.active {
		return
	}
	i.active = false
	i.cancel()
	if i.stopTimer != nil {
		i.stopTimer()
		i.stopTimer = nil
	}
}

func (i *Interaction) watch(sub *tree.Subscription, handle func(tree.Snapshot)) {
	for snap := range sub.Updates() {
		handle(snap)
	}
	if err := sub.Err(); err != nil {
		// the view stays at its last known state
		i.logger.Warn().Err(err).Str("path", sub.Path()).Msg("Post subscription ended")
	}
}

func (i *Interaction) onPostSnapshot(snap tree.Snapshot) {
	i.update(func() error {
		if !i.active {
			return errSkip
		}
		if !snap.Exists() {
			i.gone = true
			return nil
		}
		var p models.Post
		if err := snap.Decode(&p); err != nil {
			i.logger.Warn().Err(err).Msg("Ignoring undecodable post snapshot")
			return errSkip
		}
		i.post = p
		i.gone = false
		i.relTime = i.relativeTime()
		return nil
	})
}

func (i *Interaction) onAuthorSnapshot(snap tree.Snapshot) {
	i.update(func() error {
		if !i.active || !snap.Exists() {
			return errSkip
		}
		var u models.User
		if err := snap.Decode(&u); err != nil {
			i.logger.Warn().Err(err).Msg("Ignoring undecodable author snapshot")
			return errSkip
		}
		i.author = u
		i.authorKnown = true
		return nil
	})
}

func (i *Interaction) onLikeSnapshot(snap tree.Snapshot) {
	i.update(func() error {
		if !i.active {
			return errSkip
		}
		i.liked = snap.Exists()
		return nil
	})
}

func (i *Interaction) refreshTime() {
	i.update(func() error {
		if !i.active {
			return errSkip
		}
		i.relTime = i.relativeTime()
		return nil
	})
}

// ToggleLike adds the viewer's like when absent and removes it otherwise.
// The local state flips before the write and is restored if it fails. The
// toggle itself is decided against the stored like, so toggles from several
// devices never collapse into one. It returns whether the post is liked
// afterwards.
func (i *Interaction) ToggleLike(ctx context.Context) (bool, error) {
	i.ops.Lock()
	defer i.ops.Unlock()

	var wasLiked bool
	var p models.Post
	err := i.update(func() error {
		if i.state == Deleting || i.state == Deleted || i.gone {
			return ErrInvalidState
		}
		wasLiked = i.liked
		p = i.post
		i.liked = !wasLiked
		return nil
	})
	if err != nil {
		return false, err
	}

	snap, err := i.store.Transaction(ctx, models.LikePath(p.UserID, p.Key, i.viewerID), func(current tree.Snapshot) (any, error) {
		if current.Exists() {
			return nil, nil
		}
		return models.Like{LikerID: i.viewerID}, nil
	})
	if err != nil {
		i.update(func() error {
			i.liked = wasLiked
			return nil
		})
		i.logger.Error().Err(err).Bool("liked", !wasLiked).Msg("Failed to toggle like")
		return wasLiked, fmt.Errorf("failed to toggle like: %w", err)
	}

	liked := snap.Exists()
	if liked == wasLiked {
		i.update(func() error {
			i.liked = liked
			return nil
		})
	}
	if liked && i.onLiked != nil {
		i.onLiked(ctx, p)
	}
	return liked, nil
}

// BeginEdit enters Editing with the current title as the edit buffer
func (i *Interaction) BeginEdit() error {
	return i.update(func() error {
		if !i.canModify() {
			return ErrNotOwner
		}
		if i.state != Viewing || i.gone {
			return ErrInvalidState
		}
		i.state = Editing
		i.editText = i.post.Title
		return nil
	})
}

// SetEditText replaces the edit buffer
func (i *Interaction) SetEditText(text string) error {
	return i.update(func() error {
		if i.state != Editing {
			return ErrInvalidState
		}
		i.editText = text
		return nil
	})
}

// CancelEdit discards the edit buffer
func (i *Interaction) CancelEdit() error {
	return i.update(func() error {
		if i.state != Editing {
			return ErrInvalidState
		}
		i.state = Viewing
		i.editText = ""
		return nil
	})
}

// SaveEdit commits the edit buffer as the new title and marks the post
// edited. An unchanged buffer returns to Viewing without writing. A failed
// write keeps the post in Editing.
func (i *Interaction) SaveEdit(ctx context.Context) error {
	i.ops.Lock()
	defer i.ops.Unlock()

	var text string
	var p models.Post
	unchanged := false
	err := i.update(func() error {
		if i.state != Editing {
			return ErrInvalidState
		}
		text, p = i.editText, i.post
		if text == p.Title {
			unchanged = true
			i.state = Viewing
			i.editText = ""
			return nil
		}
		if strings.TrimSpace(text) == "" {
			return ErrEmptyTitle
		}
		return errSkip
	})
	if unchanged {
		return nil
	}
	if !errors.Is(err, errSkip) {
		return err
	}

	err = i.store.Update(ctx, models.PostPath(p.UserID, p.Key), map[string]any{
		"title":  text,
		"edited": true,
	})
	if err != nil {
		i.logger.Error().Err(err).Msg("Failed to edit post")
		return fmt.Errorf("failed to edit post: %w", err)
	}

	i.update(func() error {
		i.post.Title = text
		i.post.Edited = true
		i.state = Viewing
		i.editText = ""
		return nil
	})
	i.logger.Info().Msg("Post edited")
	return nil
}

// Delete removes the post after confirm returns true, then removes its
// photo if it has one. Photo removal failures are only logged.
func (i *Interaction) Delete(ctx context.Context, confirm func() bool) error {
	i.ops.Lock()
	defer i.ops.Unlock()

	err := i.update(func() error {
		if !i.canModify() {
			return ErrNotOwner
		}
		if i.state != Viewing {
			return ErrInvalidState
		}
		return errSkip
	})
	if !errors.Is(err, errSkip) {
		return err
	}
	if confirm == nil || !confirm() {
		return ErrNotConfirmed
	}

	var p models.Post
	i.update(func() error {
		i.state = Deleting
		p = i.post
		return nil
	})

	if err := i.store.Remove(ctx, models.PostPath(p.UserID, p.Key)); err != nil {
		i.update(func() error {
			i.state = Viewing
			return nil
		})
		i.logger.Error().Err(err).Msg("Failed to delete post")
		return fmt.Errorf("failed to delete post: %w", err)
	}

	i.update(func() error {
		i.state = Deleted
		i.gone = true
		i.deactivateLocked()
		return nil
	})
	i.logger.Info().Msg("Post deleted")

	if p.PicURL != "" && i.blobs != nil {
		if err := i.blobs.Delete(ctx, models.PostPhotoPath(p.UserID, p.Key)); err != nil {
			i.logger.Error().Err(err).Msg("Failed to delete post photo")
		}
	}
	return nil
}

// View returns the current display state
func (i *Interaction) View() View {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.viewLocked()
}

// Post returns the last known post value
func (i *Interaction) Post() models.Post {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.post
}

func (i *Interaction) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Interaction) viewLocked() View {
	likes := len(i.post.Likes)
	// counts follow the optimistic like state before the tree confirms it
	if stored := i.post.LikedBy(i.viewerID); stored != i.liked {
		if i.liked {
			likes++
		} else {
			likes--
		}
	}
	comments := len(i.post.Comments)

	v := View{
		PostKey:       i.post.Key,
		AuthorID:      i.post.UserID,
		AuthorName:    loadingName,
		Title:         i.post.Title,
		PicURL:        i.post.PicURL,
		Edited:        i.post.Edited,
		LikeCount:     likes,
		LikesLabel:    LikesLabel(likes),
		CommentCount:  comments,
		CommentsLabel: CommentsLabel(comments),
		Liked:         i.liked,
		RelativeTime:  i.relTime,
		State:         i.state,
		CanModify:     i.canModify(),
		Gone:          i.gone,
	}
	if i.authorKnown {
		if name := i.author.DisplayName(); name != "" {
			v.AuthorName = name
		}
		v.AuthorPhotoURL = i.author.PhotoURL
	}
	if i.state == Editing {
		v.EditText = i.editText
	}
	return v
}

func (i *Interaction) canModify() bool {
	return i.viewerID != "" && i.viewerID == i.post.UserID
}

func (i *Interaction) relativeTime() string {
	created := i.post.CreatedTime()
	if created.IsZero() {
		return ""
	}
	return humanize.RelTime(created, i.now(), "ago", "from now")
}

// errSkip aborts an update without publishing a view
var errSkip = errors.New("skip")

// update applies fn under the state lock and publishes the resulting view
// unless fn returns an error
func (i *Interaction) update(fn func() error) error {
	i.emitMu.Lock()
	defer i.emitMu.Unlock()

	i.mu.Lock()
	err := fn()
	view := i.viewLocked()
	i.mu.Unlock()

	if err != nil {
		return err
	}
	if i.onChange != nil {
		i.onChange(view)
	}
	return nil
}
