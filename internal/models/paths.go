package models

import "strings"

// UsersRoot is the tree path holding every user record
const UsersRoot = "users"

// ValidKey reports whether s can be used as one path segment. Keys that
// would name a parent or span several segments are rejected.
func ValidKey(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/.#$[]")
}

// segments are joined as given; invalid ones are left for the tree to reject
func join(segs ...string) string {
	return strings.Join(segs, "/")
}

func UserPath(userID string) string {
	return join(UsersRoot, userID)
}

func PostsPath(userID string) string {
	return join(UsersRoot, userID, "posts")
}

func PostPath(userID, postKey string) string {
	return join(UsersRoot, userID, "posts", postKey)
}

func LikesPath(userID, postKey string) string {
	return join(UsersRoot, userID, "posts", postKey, "likes")
}

// LikePath is the entry of likerID in the likes of userID's post
func LikePath(userID, postKey, likerID string) string {
	return join(UsersRoot, userID, "posts", postKey, "likes", likerID)
}

// PostPhotoPath is the blob path of a post's photo
func PostPhotoPath(userID, postKey string) string {
	return join("usersProfile", userID, "posts", postKey)
}
