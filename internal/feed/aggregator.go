package feed

import (
	"context"
	"fmt"
	"slices"

	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/tree"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Source is the part of the tree the aggregator reads from
type Source interface {
	Get(ctx context.Context, path string) (tree.Snapshot, error)
	Subscribe(ctx context.Context, path string) (*tree.Subscription, error)
}

// Aggregator builds a post list for one viewer, newest first: either the
// feed (every post of every other user) or the viewer's own posts
type Aggregator struct {
	source   Source
	viewerID string
	own      bool
	logger   zerolog.Logger
}

// NewAggregator creates a feed aggregator for viewerID
func NewAggregator(source Source, viewerID string) *Aggregator {
	return &Aggregator{
		source:   source,
		viewerID: viewerID,
		logger:   log.With().Str("viewer_id", viewerID).Logger(),
	}
}

// NewOwnPostsAggregator creates an aggregator over the posts of viewerID only
func NewOwnPostsAggregator(source Source, viewerID string) *Aggregator {
	a := NewAggregator(source, viewerID)
	a.own = true
	return a
}

func (a *Aggregator) path() string {
	if a.own {
		return models.PostsPath(a.viewerID)
	}
	return models.UsersRoot
}

func (a *Aggregator) build(snap tree.Snapshot) []models.Post {
	if a.own {
		return ownPosts(snap, a.viewerID, a.logger)
	}
	return aggregate(snap, a.viewerID, a.logger)
}

// Load aggregates the current state once
func (a *Aggregator) Load(ctx context.Context) ([]models.Post, error) {
	snap, err := a.source.Get(ctx, a.path())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.path(), err)
	}
	return a.build(snap), nil
}

// Run subscribes to the aggregator's part of the tree and emits a freshly
// aggregated list for every snapshot. It returns nil when ctx is cancelled and the
// subscription's error when the live read fails.
func (a *Aggregator) Run(ctx context.Context, emit func([]models.Post)) error {
	sub, err := a.source.Subscribe(ctx, a.path())
	if err != nil {
		return err
	}
	defer sub.Close()

	for snap := range sub.Updates() {
		emit(a.build(snap))
	}

	if err := sub.Err(); err != nil {
		a.logger.Error().Err(err).Str("path", a.path()).Msg("Feed subscription failed")
		return err
	}
	return nil
}

// Aggregate flattens the posts of every user except viewerID and sorts them
// by creation time, newest first
func Aggregate(users tree.Snapshot, viewerID string) []models.Post {
	return aggregate(users, viewerID, log.Logger)
}

func aggregate(users tree.Snapshot, viewerID string, logger zerolog.Logger) []models.Post {
	posts := []models.Post{}
	for _, userSnap := range users.Children() {
		if userSnap.Key() == viewerID {
			continue
		}
		for _, postSnap := range userSnap.Child("posts").Children() {
			var post models.Post
			if err := postSnap.Decode(&post); err != nil {
				logger.Warn().Err(err).Str("path", postSnap.Path()).Msg("Skipping undecodable post")
				continue
			}
			// a post filed under another user still never reaches its own author
			if post.UserID == viewerID {
				continue
			}
			posts = append(posts, post)
		}
	}

	// children arrive ordered by user id then post key, which keeps ties deterministic
	newestFirst(posts)
	return posts
}

// OwnPosts decodes the post collection of userID, newest first
func OwnPosts(posts tree.Snapshot, userID string) []models.Post {
	return ownPosts(posts, userID, log.Logger)
}

func ownPosts(postsSnap tree.Snapshot, userID string, logger zerolog.Logger) []models.Post {
	posts := []models.Post{}
	for _, postSnap := range postsSnap.Children() {
		var post models.Post
		if err := postSnap.Decode(&post); err != nil {
			logger.Warn().Err(err).Str("path", postSnap.Path()).Msg("Skipping undecodable post")
			continue
		}
		if post.Key == "" {
			post.Key = postSnap.Key()
		}
		if post.UserID == "" {
			post.UserID = userID
		}
		posts = append(posts, post)
	}
	newestFirst(posts)
	return posts
}

func newestFirst(posts []models.Post) {
	slices.SortStableFunc(posts, func(a, b models.Post) int {
		return b.CreatedTime().Compare(a.CreatedTime())
	})
}
