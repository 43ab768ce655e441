package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/repository"
	"snapfeed-backend/internal/tree"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	sent []*apns2.Notification
	res  *apns2.Response
	err  error
}

func (f *fakePusher) PushWithContext(_ apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	f.sent = append(f.sent, n)
	return f.res, f.err
}

type fakeDevices map[string]string

func (d fakeDevices) GetPushToken(_ context.Context, userID string) (string, error) {
	token, ok := d[userID]
	if !ok {
		return "", repository.ErrNoDevice
	}
	return token, nil
}

func setup(t *testing.T) (*tree.Tree, models.Post) {
	t.Helper()
	tr := tree.New()
	require.NoError(t, tr.Set(context.Background(), models.UserPath("u2"), map[string]any{
		"id": "u2", "firstname": "Bo", "lastname": "Diddley",
	}))
	return tr, models.Post{Key: "k1", UserID: "u1", Title: "Sunset"}
}

func TestLikeReceived(t *testing.T) {
	tr, post := setup(t)

	tests := []struct {
		name    string
		likerID string
		devices fakeDevices
		title   string
	}{
		{name: "known liker", likerID: "u2", devices: fakeDevices{"u1": "tok1"}, title: "Bo Diddley liked your post"},
		{name: "unknown liker", likerID: "u9", devices: fakeDevices{"u1": "tok1"}, title: "Someone liked your post"},
		{name: "no device", likerID: "u2", devices: fakeDevices{}},
		{name: "self like", likerID: "u1", devices: fakeDevices{"u1": "tok1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pusher := &fakePusher{res: &apns2.Response{StatusCode: http.StatusOK}}
			n := NewAPNsNotifierWithClient(pusher, "com.example.snapfeed", tt.devices, tr)

			n.LikeReceived(context.Background(), post, tt.likerID)

			if tt.title == "" {
				assert.Empty(t, pusher.sent)
				return
			}
			require.Len(t, pusher.sent, 1)
			sent := pusher.sent[0]
			assert.Equal(t, "tok1", sent.DeviceToken)
			assert.Equal(t, "com.example.snapfeed", sent.Topic)

			body, err := json.Marshal(sent.Payload)
			require.NoError(t, err)
			var decoded struct {
				APS struct {
					Alert struct {
						Title string `json:"title"`
						Body  string `json:"body"`
					} `json:"alert"`
				} `json:"aps"`
				PostKey string `json:"post_key"`
			}
			require.NoError(t, json.Unmarshal(body, &decoded))
			assert.Equal(t, tt.title, decoded.APS.Alert.Title)
			assert.Equal(t, "Sunset", decoded.APS.Alert.Body)
			assert.Equal(t, "k1", decoded.PostKey)
		})
	}
}

func TestLikeReceivedSwallowsPushErrors(t *testing.T) {
	tr, post := setup(t)
	pusher := &fakePusher{err: errors.New("connection reset")}
	n := NewAPNsNotifierWithClient(pusher, "topic", fakeDevices{"u1": "tok1"}, tr)

	assert.NotPanics(t, func() {
		n.LikeReceived(context.Background(), post, "u2")
	})
	assert.Len(t, pusher.sent, 1)

	var nop Notifier = Nop{}
	nop.LikeReceived(context.Background(), post, "u2")
}
