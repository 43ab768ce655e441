package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"snapfeed-backend/internal/auth"
	"snapfeed-backend/internal/blob"
	"snapfeed-backend/internal/middleware"
	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/notify"
	"snapfeed-backend/internal/services"
	"snapfeed-backend/internal/tree"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDevices struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (d *memDevices) UpdatePushToken(_ context.Context, userID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[userID] = token
	return nil
}

func (d *memDevices) DeletePushToken(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tokens, userID)
	return nil
}

type testAPI struct {
	tree     *tree.Tree
	blobs    *blob.MemoryStore
	provider *auth.JWTProvider
	devices  *memDevices
	router   chi.Router
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{
		tree:     tree.New(),
		blobs:    blob.NewMemoryStore(),
		provider: auth.NewJWTProvider("secret"),
		devices:  &memDevices{tokens: make(map[string]string)},
	}
	hub := services.NewWSHub()
	users := NewUserHandler(api.tree, api.provider, api.provider, api.devices, hub)
	feeds := NewFeedHandler(api.tree)
	posts := NewPostHandler(api.tree, api.blobs, notify.Nop{}, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", users.CreateUser)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(api.provider))
			r.Get("/users/me", users.GetMe)
			r.Put("/users/me", users.UpdateMe)
			r.Post("/users/me/push-token", users.RegisterPushToken)
			r.Post("/auth/signout", users.SignOut)
			r.Get("/users/me/posts", feeds.GetMyPosts)
			r.Get("/feed", feeds.GetFeed)
			r.Post("/posts", posts.CreatePost)
			r.Post("/posts/{user_id}/{post_key}/like", posts.ToggleLike)
			r.Patch("/posts/{post_key}", posts.EditPost)
			r.Delete("/posts/{post_key}", posts.DeletePost)
		})
	})
	api.router = r
	return api
}

func (api *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	return rec
}

func (api *testAPI) signUp(t *testing.T, first string) (string, string) {
	t.Helper()
	rec := api.do(t, http.MethodPost, "/api/v1/users", "", map[string]string{"firstname": first, "lastname": "Tester"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createUserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.ID, resp.Token
}

func (api *testAPI) createPost(t *testing.T, token, title string, photo []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", title))
	if photo != nil {
		fw, err := mw.CreateFormFile("photo", "photo.png")
		require.NoError(t, err)
		_, err = fw.Write(photo)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/posts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	return rec
}

func postKey(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		PostKey string `json:"post_key"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.PostKey)
	return resp.PostKey
}

func TestUserLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/users", "", map[string]string{"firstname": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id, token := api.signUp(t, "Ada")

	rec = api.do(t, http.MethodGet, "/api/v1/users/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var user models.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "Ada Tester", user.DisplayName())

	rec = api.do(t, http.MethodPut, "/api/v1/users/me", token, map[string]string{"photoURL": "https://example.com/a.jpg"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, "https://example.com/a.jpg", user.PhotoURL)
	assert.Equal(t, "Ada", user.Firstname)

	rec = api.do(t, http.MethodPost, "/api/v1/users/me/push-token", token, map[string]string{"push_token": "abc"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "abc", api.devices.tokens[id])

	rec = api.do(t, http.MethodGet, "/api/v1/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignOutRevokesToken(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.signUp(t, "Ada")

	rec := api.do(t, http.MethodPost, "/api/v1/auth/signout", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreatePostAndFeed(t *testing.T) {
	api := newTestAPI(t)
	_, aliceToken := api.signUp(t, "Alice")
	_, bobToken := api.signUp(t, "Bob")

	rec := api.createPost(t, aliceToken, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.createPost(t, aliceToken, "Hello", []byte("not an image"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = api.createPost(t, aliceToken, "Hello", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"step":"published"`)

	rec = api.do(t, http.MethodGet, "/api/v1/feed", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp feedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "Hello", resp.Posts[0].Title)
	assert.Empty(t, resp.Posts[0].PicURL)

	rec = api.do(t, http.MethodGet, "/api/v1/feed", aliceToken, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Total)
	assert.NotNil(t, resp.Posts)
}

func TestCreatePostWithPhoto(t *testing.T) {
	api := newTestAPI(t)
	aliceID, token := api.signUp(t, "Alice")

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 8, 8))))

	rec := api.createPost(t, token, "Sunset", img.Bytes())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	key := postKey(t, rec)

	assert.Eventually(t, func() bool {
		snap, err := api.tree.Get(context.Background(), models.PostPath(aliceID, key)+"/picURL")
		return err == nil && snap.Exists()
	}, 2*time.Second, 10*time.Millisecond)

	_, _, ok := api.blobs.Object(models.PostPhotoPath(aliceID, key))
	assert.True(t, ok)
}

func TestLikeEditDelete(t *testing.T) {
	api := newTestAPI(t)
	aliceID, aliceToken := api.signUp(t, "Alice")
	_, bobToken := api.signUp(t, "Bob")

	key := postKey(t, api.createPost(t, aliceToken, "Hello", nil))
	likePath := "/api/v1/posts/" + aliceID + "/" + key + "/like"

	rec := api.do(t, http.MethodPost, likePath, bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"liked":true}`, rec.Body.String())

	rec = api.do(t, http.MethodPost, likePath, bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"liked":false}`, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/v1/posts/"+aliceID+"/missing/like", bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// bob cannot reach alice's post through his own collection
	rec = api.do(t, http.MethodPatch, "/api/v1/posts/"+key, bobToken, map[string]string{"title": "Hijack"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPatch, "/api/v1/posts/"+key, aliceToken, map[string]string{"title": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPatch, "/api/v1/posts/"+key, aliceToken, map[string]string{"title": "Hello again"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"edited":true`))

	rec = api.do(t, http.MethodDelete, "/api/v1/posts/"+key, aliceToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	snap, err := api.tree.Get(context.Background(), models.PostPath(aliceID, key))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestPostRoutesRejectParentSegments(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	aliceID, aliceToken := api.signUp(t, "Alice")
	_, bobToken := api.signUp(t, "Bob")
	key := postKey(t, api.createPost(t, aliceToken, "Hello", nil))

	rec := api.do(t, http.MethodPost, "/api/v1/posts/"+aliceID+"/../like", bobToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	snap, err := api.tree.Get(ctx, models.UserPath(aliceID))
	require.NoError(t, err)
	assert.False(t, snap.Child("likes").Exists())

	rec = api.do(t, http.MethodPatch, "/api/v1/posts/..", aliceToken, map[string]string{"title": "Gone"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/v1/posts/..", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	snap, err = api.tree.Get(ctx, models.UserPath(aliceID))
	require.NoError(t, err)
	assert.Equal(t, "Alice", snap.Child("firstname").Value())
	assert.Equal(t, "Hello", snap.Child("posts").Child(key).Child("title").Value())
}

func TestGetMyPosts(t *testing.T) {
	api := newTestAPI(t)
	aliceID, aliceToken := api.signUp(t, "Alice")
	_, bobToken := api.signUp(t, "Bob")

	require.NoError(t, api.tree.Set(context.Background(), models.PostPath(aliceID, "k1"), models.Post{
		Key: "k1", UserID: aliceID, Title: "Old", CreatedAt: "2021-06-24T12:00:00Z",
	}))
	latest := postKey(t, api.createPost(t, aliceToken, "New", nil))
	postKey(t, api.createPost(t, bobToken, "Bob's", nil))

	rec := api.do(t, http.MethodGet, "/api/v1/users/me/posts", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp feedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, latest, resp.Posts[0].Key)
	assert.Equal(t, "k1", resp.Posts[1].Key)
}

func TestConcurrentLikesToggleStrictly(t *testing.T) {
	api := newTestAPI(t)
	aliceID, aliceToken := api.signUp(t, "Alice")
	_, bobToken := api.signUp(t, "Bob")
	key := postKey(t, api.createPost(t, aliceToken, "Hello", nil))
	likePath := "/api/v1/posts/" + aliceID + "/" + key + "/like"

	var wg sync.WaitGroup
	var mu sync.Mutex
	liked := 0
	for n := 0; n < 10; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := api.do(t, http.MethodPost, likePath, bobToken, nil)
			if rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"liked":true`) {
				mu.Lock()
				liked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, liked)
	snap, err := api.tree.Get(context.Background(), models.LikesPath(aliceID, key))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}
