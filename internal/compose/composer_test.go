package compose

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"snapfeed-backend/internal/blob"
	"snapfeed-backend/internal/feed"
	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))))
	return buf.Bytes()
}

// gatedBlobs holds URL resolution until release is closed
type gatedBlobs struct {
	*blob.MemoryStore
	release chan struct{}
	urlErr  error
}

func (g *gatedBlobs) DownloadURL(ctx context.Context, path string) (string, error) {
	<-g.release
	if g.urlErr != nil {
		return "", g.urlErr
	}
	return g.MemoryStore.DownloadURL(ctx, path)
}

type failingStore struct {
	*tree.Tree
}

func (failingStore) Update(_ context.Context, p string, _ map[string]any) error {
	return &tree.WriteError{Op: "update", Path: p, Err: errors.New("offline")}
}

var now = time.Date(2021, 6, 24, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func readPost(t *testing.T, tr *tree.Tree, userID, key string) tree.Snapshot {
	t.Helper()
	snap, err := tr.Get(context.Background(), models.PostPath(userID, key))
	require.NoError(t, err)
	return snap
}

func TestSubmitRequiresTitle(t *testing.T) {
	tr := tree.New()
	c := New(tr, blob.NewMemoryStore(), "u1")

	assert.False(t, c.CanSubmit())
	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrEmptyTitle)

	c.SetTitle("   ")
	_, err = c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrEmptyTitle)

	snap, err := tr.Get(context.Background(), models.UsersRoot)
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestAttachPhotoRejectsNonImages(t *testing.T) {
	c := New(tree.New(), blob.NewMemoryStore(), "u1")

	assert.ErrorIs(t, c.AttachPhoto("notes.txt", []byte("just some text")), ErrNotImage)
	assert.ErrorIs(t, c.AttachPhoto("empty", nil), ErrNotImage)
	require.NoError(t, c.AttachPhoto("pic.png", pngBytes(t)))
	assert.Equal(t, "pic.png", c.State().PhotoName)
}

func TestTextPostIsVisibleInOtherFeeds(t *testing.T) {
	tr := tree.New()
	c := New(tr, blob.NewMemoryStore(), "u1", WithClock(clock))
	c.SetTitle("Hello")
	require.True(t, c.CanSubmit())

	saga, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Published, saga.Step())
	require.NoError(t, saga.Wait(context.Background()))

	// the buffer clears as soon as a text-only post is published
	assert.Equal(t, State{}, c.State())

	posts, err := feed.NewAggregator(tr, "u2").Load(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, models.Post{
		Key:       saga.Key(),
		UserID:    "u1",
		Title:     "Hello",
		CreatedAt: "2021-06-24T12:00:00Z",
	}, posts[0])

	own, err := feed.NewAggregator(tr, "u1").Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestPhotoPostIsPublishedBeforeAttach(t *testing.T) {
	tr := tree.New()
	blobs := &gatedBlobs{MemoryStore: blob.NewMemoryStore(), release: make(chan struct{})}

	var mu sync.Mutex
	var steps []Step
	var last Status
	c := New(tr, blobs, "u1", WithClock(clock), WithStatus(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(steps) == 0 || steps[len(steps)-1] != st.Step {
			steps = append(steps, st.Step)
		}
		last = st
	}))
	c.SetTitle("Sunset")
	photo := pngBytes(t)
	require.NoError(t, c.AttachPhoto("sunset.png", photo))

	saga, err := c.Submit(context.Background())
	require.NoError(t, err)

	// the post is readable with its title while the photo is pending
	snap := readPost(t, tr, "u1", saga.Key())
	assert.Equal(t, "Sunset", snap.Child("title").Value())
	assert.False(t, snap.Child("picURL").Exists())

	// the buffer is kept until the upload settles
	st := c.State()
	assert.Equal(t, "Sunset", st.Title)
	assert.True(t, st.Uploading)
	assert.False(t, c.CanSubmit())
	_, err = c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(blobs.release)
	require.NoError(t, saga.Wait(context.Background()))
	assert.Equal(t, Attached, saga.Step())
	assert.Equal(t, 100, saga.Progress())

	snap = readPost(t, tr, "u1", saga.Key())
	assert.Equal(t, "mem://usersProfile/u1/posts/"+saga.Key(), snap.Child("picURL").Value())
	data, contentType, ok := blobs.Object(models.PostPhotoPath("u1", saga.Key()))
	require.True(t, ok)
	assert.Equal(t, photo, data)
	assert.Equal(t, "image/png", contentType)

	assert.Equal(t, State{}, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Step{Published, Uploading, Attached}, steps)
	assert.Equal(t, 100, last.Progress)
}

func TestPhotoFailureKeepsTextPost(t *testing.T) {
	tr := tree.New()
	release := make(chan struct{})
	close(release)
	blobs := &gatedBlobs{MemoryStore: blob.NewMemoryStore(), release: release, urlErr: errors.New("denied")}

	c := New(tr, blobs, "u1", WithClock(clock))
	c.SetTitle("Sunset")
	require.NoError(t, c.AttachPhoto("sunset.png", pngBytes(t)))

	saga, err := c.Submit(context.Background())
	require.NoError(t, err)

	err = saga.Wait(context.Background())
	var uploadErr *blob.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, Failed, saga.Step())

	snap := readPost(t, tr, "u1", saga.Key())
	assert.Equal(t, "Sunset", snap.Child("title").Value())
	assert.False(t, snap.Child("picURL").Exists())

	st := c.State()
	assert.Empty(t, st.Title)
	assert.False(t, st.Uploading)
	assert.NotEmpty(t, st.Error)
}

func TestPhaseTwoOutlivesRequestContext(t *testing.T) {
	tr := tree.New()
	blobs := &gatedBlobs{MemoryStore: blob.NewMemoryStore(), release: make(chan struct{})}
	c := New(tr, blobs, "u1", WithClock(clock))
	c.SetTitle("Sunset")
	require.NoError(t, c.AttachPhoto("sunset.png", pngBytes(t)))

	ctx, cancel := context.WithCancel(context.Background())
	saga, err := c.Submit(ctx)
	require.NoError(t, err)
	cancel()
	close(blobs.release)

	require.NoError(t, saga.Wait(context.Background()))
	assert.Equal(t, Attached, saga.Step())
}

func TestSubmitWriteFailureKeepsBuffer(t *testing.T) {
	c := New(failingStore{Tree: tree.New()}, blob.NewMemoryStore(), "u1")
	c.SetTitle("Hello")

	_, err := c.Submit(context.Background())
	var writeErr *tree.WriteError
	require.ErrorAs(t, err, &writeErr)

	st := c.State()
	assert.Equal(t, "Hello", st.Title)
	assert.NotEmpty(t, st.Error)
	assert.True(t, c.CanSubmit())
}
