package post

import "fmt"

// LikesLabel renders a like count: "1 Like", otherwise "{n} Likes"
func LikesLabel(n int) string {
	if n == 1 {
		return "1 Like"
	}
	return fmt.Sprintf("%d Likes", n)
}

// CommentsLabel renders a comment count: "1 comment", otherwise "{n} comments"
func CommentsLabel(n int) string {
	if n == 1 {
		return "1 comment"
	}
	return fmt.Sprintf("%d comments", n)
}
