package tree

import (
	"encoding/json"
	"path"
	"sort"
)

// Snapshot is an immutable point-in-time value of one path
type Snapshot struct {
	path  string
	value any
}

// NewSnapshot builds a snapshot from an arbitrary JSON-marshalable value
func NewSnapshot(p string, v any) (Snapshot, error) {
	n, err := normalize(v)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{path: p, value: n}, nil
}

func (s Snapshot) Path() string {
	return s.path
}

// Key returns the last segment of the snapshot's path
func (s Snapshot) Key() string {
	if s.path == "" {
		return ""
	}
	return path.Base(s.path)
}

func (s Snapshot) Exists() bool {
	return s.value != nil
}

// Value returns a copy of the snapshot's value, nil when absent
func (s Snapshot) Value() any {
	return clone(s.value)
}

func (s Snapshot) Child(key string) Snapshot {
	m, _ := s.value.(map[string]any)
	return Snapshot{path: path.Join(s.path, key), value: m[key]}
}

// Children returns the child snapshots ordered by key
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	children := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		children = append(children, Snapshot{path: path.Join(s.path, k), value: m[k]})
	}
	return children
}

// Decode unmarshals the snapshot's value into v
func (s Snapshot) Decode(v any) error {
	data, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
