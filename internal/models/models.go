package models

import (
	"strings"
	"time"
)

// User represents a user record stored under users/{id}
type User struct {
	ID        string          `json:"id"`
	Firstname string          `json:"firstname"`
	Lastname  string          `json:"lastname"`
	PhotoURL  string          `json:"photoURL,omitempty"`
	Posts     map[string]Post `json:"posts,omitempty"`
}

// DisplayName returns "firstname lastname", or an empty string when the name is unknown
func (u User) DisplayName() string {
	if u.Firstname == "" {
		return ""
	}
	return strings.TrimSpace(u.Firstname + " " + u.Lastname)
}

// Post represents a post embedded in its owner's post collection
type Post struct {
	Key       string             `json:"key"`
	UserID    string             `json:"userID"`
	Title     string             `json:"title"`
	CreatedAt string             `json:"createdAt"`
	Edited    bool               `json:"edited,omitempty"`
	PicURL    string             `json:"picURL,omitempty"`
	Likes     map[string]Like    `json:"likes,omitempty"`
	Comments  map[string]Comment `json:"comments,omitempty"`
}

// CreatedTime parses CreatedAt. Unparseable timestamps yield the zero time.
func (p Post) CreatedTime() time.Time {
	t, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LikedBy reports whether userID is a key in the post's likes
func (p Post) LikedBy(userID string) bool {
	_, ok := p.Likes[userID]
	return ok
}

// Like is the value stored under likes/{likerID}
type Like struct {
	LikerID string `json:"LikerID"`
}

// Comment represents a comment on a post. Only the number of comments is used by the feed.
type Comment struct {
	UserID    string `json:"userID,omitempty"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// FormatTimestamp renders a creation timestamp the way posts store it
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}
