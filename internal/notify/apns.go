package notify

import (
	"context"
	"errors"
	"fmt"

	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/repository"
	"snapfeed-backend/internal/tree"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
)

// Pusher sends one notification to APNs
type Pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Devices resolves the device token of a user
type Devices interface {
	GetPushToken(ctx context.Context, userID string) (string, error)
}

// Users reads user records for the liker's display name
type Users interface {
	Get(ctx context.Context, path string) (tree.Snapshot, error)
}

// APNsOptions configures the APNs client
type APNsOptions struct {
	Certificate string
	Password    string
	Topic       string
	Production  bool
}

// APNsNotifier pushes like notifications to the post author's iOS device
type APNsNotifier struct {
	client  Pusher
	devices Devices
	users   Users
	topic   string
}

// NewAPNsNotifier loads the .p12 certificate and creates the client
func NewAPNsNotifier(opts APNsOptions, devices Devices, users Users) (*APNsNotifier, error) {
	cert, err := certificate.FromP12File(opts.Certificate, opts.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs certificate: %w", err)
	}
	client := apns2.NewClient(cert)
	if opts.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return NewAPNsNotifierWithClient(client, opts.Topic, devices, users), nil
}

// NewAPNsNotifierWithClient creates a notifier around an existing client
func NewAPNsNotifierWithClient(client Pusher, topic string, devices Devices, users Users) *APNsNotifier {
	return &APNsNotifier{client: client, devices: devices, users: users, topic: topic}
}

// LikeReceived notifies the author of post that likerID liked it.
// Self-likes and authors without a device are skipped; failures are logged.
func (n *APNsNotifier) LikeReceived(ctx context.Context, post models.Post, likerID string) {
	if likerID == post.UserID {
		return
	}
	logger := log.With().Str("user_id", post.UserID).Str("post_key", post.Key).Logger()

	token, err := n.devices.GetPushToken(ctx, post.UserID)
	if err != nil {
		if !errors.Is(err, repository.ErrNoDevice) {
			logger.Error().Err(err).Msg("Failed to look up device")
		}
		return
	}

	notification := &apns2.Notification{
		DeviceToken: token,
		Topic:       n.topic,
		Payload: payload.NewPayload().
			AlertTitle(n.likerName(ctx, likerID) + " liked your post").
			AlertBody(post.Title).
			Sound("default").
			Custom("post_key", post.Key),
	}

	res, err := n.client.PushWithContext(ctx, notification)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to send like notification")
		return
	}
	if !res.Sent() {
		logger.Warn().Int("status", res.StatusCode).Str("reason", res.Reason).Msg("Like notification rejected")
		return
	}
	logger.Debug().Str("apns_id", res.ApnsID).Msg("Like notification sent")
}

func (n *APNsNotifier) likerName(ctx context.Context, likerID string) string {
	snap, err := n.users.Get(ctx, models.UserPath(likerID))
	if err == nil {
		var u models.User
		if snap.Decode(&u) == nil && u.DisplayName() != "" {
			return u.DisplayName()
		}
	}
	return "Someone"
}
