package feed

import (
	"context"
	"testing"
	"time"

	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int64) string {
	return models.FormatTimestamp(time.Unix(sec, 0).UTC())
}

func seed(t *testing.T, tr *tree.Tree, posts ...models.Post) {
	t.Helper()
	for _, p := range posts {
		require.NoError(t, tr.Set(context.Background(), models.PostPath(p.UserID, p.Key), p))
	}
}

func keys(posts []models.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.Key)
	}
	return out
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		users    map[string]any
		viewerID string
		expected []string
	}{
		{
			name:     "absent tree",
			users:    nil,
			viewerID: "u1",
			expected: []string{},
		},
		{
			name: "users without posts",
			users: map[string]any{
				"u1": map[string]any{"firstname": "A"},
				"u2": map[string]any{"firstname": "B"},
			},
			viewerID: "u3",
			expected: []string{},
		},
		{
			name: "viewer excluded",
			users: map[string]any{
				"u1": map[string]any{"posts": map[string]any{
					"a": models.Post{Key: "a", UserID: "u1", CreatedAt: at(300)},
				}},
				"u2": map[string]any{"posts": map[string]any{
					"b": models.Post{Key: "b", UserID: "u2", CreatedAt: at(100)},
				}},
			},
			viewerID: "u1",
			expected: []string{"b"},
		},
		{
			name: "newest first across users",
			users: map[string]any{
				"u1": map[string]any{"posts": map[string]any{
					"a": models.Post{Key: "a", UserID: "u1", CreatedAt: at(100)},
					"c": models.Post{Key: "c", UserID: "u1", CreatedAt: at(300)},
				}},
				"u2": map[string]any{"posts": map[string]any{
					"b": models.Post{Key: "b", UserID: "u2", CreatedAt: at(200)},
				}},
			},
			viewerID: "u3",
			expected: []string{"c", "b", "a"},
		},
		{
			name: "ties keep user then key order",
			users: map[string]any{
				"u2": map[string]any{"posts": map[string]any{
					"x": models.Post{Key: "x", UserID: "u2", CreatedAt: at(100)},
				}},
				"u1": map[string]any{"posts": map[string]any{
					"z": models.Post{Key: "z", UserID: "u1", CreatedAt: at(100)},
					"y": models.Post{Key: "y", UserID: "u1", CreatedAt: at(100)},
				}},
			},
			viewerID: "u3",
			expected: []string{"y", "z", "x"},
		},
		{
			name: "offsets compare by instant",
			users: map[string]any{
				"u1": map[string]any{"posts": map[string]any{
					"early": models.Post{Key: "early", UserID: "u1", CreatedAt: "2021-06-24T05:09:49-07:00"},
					"late":  models.Post{Key: "late", UserID: "u1", CreatedAt: "2021-06-24T13:00:00+01:00"},
				}},
			},
			viewerID: "u3",
			expected: []string{"late", "early"},
		},
		{
			name: "undecodable post skipped",
			users: map[string]any{
				"u1": map[string]any{"posts": map[string]any{
					"bad":  "just a string",
					"good": models.Post{Key: "good", UserID: "u1", CreatedAt: at(100)},
				}},
			},
			viewerID: "u3",
			expected: []string{"good"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := tree.NewSnapshot(models.UsersRoot, tt.users)
			require.NoError(t, err)

			posts := Aggregate(snap, tt.viewerID)
			require.NotNil(t, posts)
			assert.Equal(t, tt.expected, keys(posts))
		})
	}
}

func TestAggregateProperties(t *testing.T) {
	users := map[string]any{}
	for u := 0; u < 5; u++ {
		userID := string(rune('a' + u))
		posts := map[string]any{}
		for i := 0; i < 20; i++ {
			key := userID + string(rune('A'+i))
			posts[key] = models.Post{Key: key, UserID: userID, CreatedAt: at(int64((i*7919 + u*104729) % 1000))}
		}
		users[userID] = map[string]any{"posts": posts}
	}
	snap, err := tree.NewSnapshot(models.UsersRoot, users)
	require.NoError(t, err)

	for _, viewer := range []string{"a", "c", "nobody"} {
		posts := Aggregate(snap, viewer)
		for _, p := range posts {
			assert.NotEqual(t, viewer, p.UserID)
		}
		for i := 1; i < len(posts); i++ {
			assert.False(t, posts[i-1].CreatedTime().Before(posts[i].CreatedTime()))
		}
	}
}

func TestLoadOrdersUsersByRecency(t *testing.T) {
	tr := tree.New()
	seed(t, tr,
		models.Post{Key: "p1", UserID: "u1", Title: "first", CreatedAt: at(100)},
		models.Post{Key: "p2", UserID: "u2", Title: "second", CreatedAt: at(200)},
	)

	posts, err := NewAggregator(tr, "u3").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, keys(posts))
}

func TestRunEmitsOnEveryChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := tree.New()

	feeds := make(chan []models.Post, 16)
	done := make(chan error, 1)
	go func() {
		done <- NewAggregator(tr, "u2").Run(ctx, func(posts []models.Post) { feeds <- posts })
	}()

	receive := func() []models.Post {
		select {
		case posts := <-feeds:
			return posts
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for feed")
			return nil
		}
	}

	// initial load of an empty tree
	assert.Empty(t, receive())

	seed(t, tr, models.Post{Key: "p1", UserID: "u1", Title: "Hello", CreatedAt: at(100)})
	posts := receive()
	require.Len(t, posts, 1)
	assert.Equal(t, "Hello", posts[0].Title)
	assert.Empty(t, posts[0].PicURL)

	// the viewer's own posts change the tree but never appear
	seed(t, tr, models.Post{Key: "p2", UserID: "u2", Title: "Mine", CreatedAt: at(200)})
	assert.Equal(t, []string{"p1"}, keys(receive()))

	require.NoError(t, tr.Remove(ctx, models.PostPath("u1", "p1")))
	assert.Empty(t, receive())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsSubscriptionError(t *testing.T) {
	tr := tree.New()
	done := make(chan error, 1)
	first := make(chan struct{}, 1)
	go func() {
		done <- NewAggregator(tr, "u1").Run(context.Background(), func([]models.Post) {
			select {
			case first <- struct{}{}:
			default:
			}
		})
	}()

	<-first
	tr.Close()

	select {
	case err := <-done:
		var subErr *tree.SubscriptionError
		assert.ErrorAs(t, err, &subErr)
		assert.ErrorIs(t, err, tree.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after tree closed")
	}
}

func TestOwnPosts(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	seed(t, tr,
		models.Post{Key: "a", UserID: "u1", Title: "old", CreatedAt: at(100)},
		models.Post{Key: "b", UserID: "u2", Title: "other", CreatedAt: at(150)},
		models.Post{Key: "c", UserID: "u1", Title: "new", CreatedAt: at(300)},
		models.Post{Key: "d", UserID: "u1", Title: "middle", CreatedAt: at(200)},
	)

	posts, err := NewOwnPostsAggregator(tr, "u1").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "a"}, keys(posts))

	posts, err = NewOwnPostsAggregator(tr, "u3").Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, posts)
	assert.Empty(t, posts)
}

func TestOwnPostsFillsKeyAndAuthor(t *testing.T) {
	snap, err := tree.NewSnapshot("users/u1/posts", map[string]any{
		"k1": map[string]any{"title": "bare", "createdAt": at(100)},
		"k2": "not a post",
	})
	require.NoError(t, err)

	posts := OwnPosts(snap, "u1")
	require.Len(t, posts, 1)
	assert.Equal(t, "k1", posts[0].Key)
	assert.Equal(t, "u1", posts[0].UserID)
}

func TestOwnPostsRunFollowsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := tree.New()

	lists := make(chan []models.Post, 16)
	go NewOwnPostsAggregator(tr, "u1").Run(ctx, func(posts []models.Post) { lists <- posts })

	receive := func() []models.Post {
		select {
		case posts := <-lists:
			return posts
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for own posts")
			return nil
		}
	}

	assert.Empty(t, receive())
	seed(t, tr, models.Post{Key: "a", UserID: "u1", CreatedAt: at(100)})
	assert.Equal(t, []string{"a"}, keys(receive()))
	seed(t, tr, models.Post{Key: "b", UserID: "u1", CreatedAt: at(200)})
	assert.Equal(t, []string{"b", "a"}, keys(receive()))
}
