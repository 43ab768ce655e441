package post

import "encoding/json"

// State is the lifecycle state of one rendered post
type State int

const (
	Viewing State = iota
	Editing
	Deleting
	Deleted
)

func (s State) String() string {
	switch s {
	case Viewing:
		return "viewing"
	case Editing:
		return "editing"
	case Deleting:
		return "deleting"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
