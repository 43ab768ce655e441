package notify

import (
	"context"

	"snapfeed-backend/internal/models"
)

// Notifier tells post authors about activity on their posts
type Notifier interface {
	LikeReceived(ctx context.Context, post models.Post, likerID string)
}

// Nop drops every notification
type Nop struct{}

func (Nop) LikeReceived(context.Context, models.Post, string) {}
