package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"snapfeed-backend/internal/feed"
	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/notify"
	"snapfeed-backend/internal/post"
	"snapfeed-backend/internal/tree"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	errDisconnected    = errors.New("client disconnected")
	errNotWatched      = errors.New("post is not watched")
	errPostNotFound    = errors.New("post not found")
	errInvalidPostPath = errors.New("invalid post path")
)

// Store is the tree as used by a session
type Store interface {
	feed.Source
	post.Store
}

// SessionDeps are the collaborators shared by every session
type SessionDeps struct {
	Store           Store
	Blobs           post.BlobDeleter
	Notifier        notify.Notifier
	RefreshInterval time.Duration
}

// Session serves one WebSocket connection: it streams the viewer's feed and
// own posts and drives the posts the client has on screen.
type Session struct {
	deps   SessionDeps
	client *Client
	logger zerolog.Logger

	mu      sync.Mutex
	watched map[string]*post.Interaction
}

// NewSession creates a session for an upgraded connection
func NewSession(deps SessionDeps, client *Client) *Session {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.RefreshInterval <= 0 {
		deps.RefreshInterval = post.DefaultRefreshInterval
	}
	return &Session{
		deps:    deps,
		client:  client,
		logger:  log.With().Str("user_id", client.userID).Logger(),
		watched: make(map[string]*post.Interaction),
	}
}

// Run serves the connection until the client disconnects, ctx is cancelled
// or the feed subscription fails
func (s *Session) Run(ctx context.Context) error {
	defer s.unwatchAll()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.client.WritePump(ctx)
	})

	g.Go(func() error {
		return s.stream(ctx, feed.NewAggregator(s.deps.Store, s.client.userID), MsgFeed)
	})

	g.Go(func() error {
		return s.stream(ctx, feed.NewOwnPostsAggregator(s.deps.Store, s.client.userID), MsgMyFeed)
	})

	g.Go(func() error {
		return s.readLoop(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		s.client.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errDisconnected) {
		return nil
	}
	return err
}

// stream pushes every list the aggregator emits as a msgType message
func (s *Session) stream(ctx context.Context, aggregator *feed.Aggregator, msgType string) error {
	return aggregator.Run(ctx, func(posts []models.Post) {
		if err := s.client.Send(WSMessage{Type: msgType, Data: posts}); err != nil {
			s.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to send post list")
		}
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	s.client.prepareRead()
	for {
		data, err := s.client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("WebSocket error")
			}
			return errDisconnected
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse WebSocket message")
			s.sendError("", "Invalid message format")
			continue
		}

		if err := s.handleMessage(ctx, msg); err != nil {
			s.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to handle message")
			s.sendError(msg.RequestID, err.Error())
		}
	}
}

// handleMessage processes incoming WebSocket messages
func (s *Session) handleMessage(ctx context.Context, msg WSMessage) error {
	switch msg.Type {
	case MsgWatchPost:
		return s.watch(ctx, msg)
	case MsgUnwatchPost:
		s.unwatch(msg.UserID, msg.PostKey)
		return s.ack(msg, nil)
	}

	i, ok := s.interaction(msg.UserID, msg.PostKey)
	if !ok {
		return errNotWatched
	}

	switch msg.Type {
	case MsgToggleLike:
		liked, err := i.ToggleLike(ctx)
		if err != nil {
			return err
		}
		return s.ack(msg, map[string]bool{"liked": liked})
	case MsgBeginEdit:
		return s.ackOrErr(msg, i.BeginEdit())
	case MsgSetEditText:
		return s.ackOrErr(msg, i.SetEditText(msg.Text))
	case MsgCancelEdit:
		return s.ackOrErr(msg, i.CancelEdit())
	case MsgSaveEdit:
		return s.ackOrErr(msg, i.SaveEdit(ctx))
	case MsgDeletePost:
		err := i.Delete(ctx, func() bool { return msg.Confirm })
		if err == nil {
			s.forget(msg.UserID, msg.PostKey)
		}
		return s.ackOrErr(msg, err)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// watch starts a live interaction for a post the client displays
func (s *Session) watch(ctx context.Context, msg WSMessage) error {
	if _, ok := s.interaction(msg.UserID, msg.PostKey); ok {
		return s.ack(msg, nil)
	}
	if msg.UserID == "" || msg.PostKey == "" {
		return errors.New("user_id and post_key are required")
	}
	if !models.ValidKey(msg.UserID) || !models.ValidKey(msg.PostKey) {
		return errInvalidPostPath
	}

	snap, err := s.deps.Store.Get(ctx, models.PostPath(msg.UserID, msg.PostKey))
	if err != nil {
		return fmt.Errorf("failed to read post: %w", err)
	}
	if !snap.Exists() {
		return errPostNotFound
	}
	var p models.Post
	if err := snap.Decode(&p); err != nil {
		return fmt.Errorf("failed to decode post: %w", err)
	}
	if p.UserID == "" {
		p.UserID = msg.UserID
	}
	if p.Key == "" {
		p.Key = msg.PostKey
	}

	opts := []post.Option{
		post.WithRefreshInterval(s.deps.RefreshInterval),
		post.WithOnChange(func(v post.View) {
			if err := s.client.Send(WSMessage{Type: MsgPostState, UserID: v.AuthorID, PostKey: v.PostKey, Data: v}); err != nil {
				s.logger.Warn().Err(err).Str("post_key", v.PostKey).Msg("Failed to send post state")
			}
		}),
		post.WithLikeHook(s.notifyLike),
	}
	if p.UserID == s.client.userID {
		opts = append(opts, post.WithOwnList())
	}

	i := post.New(s.deps.Store, s.deps.Blobs, s.client.userID, p, opts...)
	if err := i.Activate(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.watched[watchKey(msg.UserID, msg.PostKey)] = i
	s.mu.Unlock()

	v := i.View()
	if err := s.client.Send(WSMessage{Type: MsgPostState, UserID: v.AuthorID, PostKey: v.PostKey, Data: v}); err != nil {
		return err
	}
	return s.ack(msg, nil)
}

// notifyLike tells the author about the viewer's like without holding up the session
func (s *Session) notifyLike(ctx context.Context, p models.Post) {
	go s.deps.Notifier.LikeReceived(context.WithoutCancel(ctx), p, s.client.userID)
}

func (s *Session) interaction(userID, postKey string) (*post.Interaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.watched[watchKey(userID, postKey)]
	return i, ok
}

func (s *Session) unwatch(userID, postKey string) {
	if i := s.forget(userID, postKey); i != nil {
		i.Deactivate()
	}
}

func (s *Session) forget(userID, postKey string) *post.Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := watchKey(userID, postKey)
	i := s.watched[key]
	delete(s.watched, key)
	return i
}

func (s *Session) unwatchAll() {
	s.mu.Lock()
	watched := s.watched
	s.watched = make(map[string]*post.Interaction)
	s.mu.Unlock()

	for _, i := range watched {
		i.Deactivate()
	}
}

// Watched returns the number of posts with a live interaction
func (s *Session) Watched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watched)
}

func (s *Session) ack(msg WSMessage, data any) error {
	return s.client.Send(WSMessage{
		Type:      MsgAck,
		RequestID: msg.RequestID,
		UserID:    msg.UserID,
		PostKey:   msg.PostKey,
		Data:      data,
	})
}

func (s *Session) ackOrErr(msg WSMessage, err error) error {
	if err != nil {
		return err
	}
	return s.ack(msg, nil)
}

func (s *Session) sendError(requestID, message string) {
	if err := s.client.Send(WSMessage{Type: MsgError, RequestID: requestID, Message: message}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send error")
	}
}

func watchKey(userID, postKey string) string {
	return userID + "/" + postKey
}

var _ Store = (*tree.Tree)(nil)
