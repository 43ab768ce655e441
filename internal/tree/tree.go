package tree

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// shardDepth is the depth at which the tree is split into persisted documents (users/{id})
const shardDepth = 2

// Persister stores tree shards. Every write saves the shards it touched
// before it is committed.
type Persister interface {
	SaveShard(ctx context.Context, key string, value any) error
	DeleteShard(ctx context.Context, key string) error
}

// Tree is an in-process realtime key/value tree with live subscriptions
type Tree struct {
	// mu guards root, subs and closed. It is never held across persistence.
	mu        sync.Mutex
	root      any
	subs      map[*Subscription]struct{}
	persister Persister
	closed    bool

	// writes at or below shard depth share writeMu and are ordered per
	// shard; shallower writes hold writeMu exclusively
	writeMu    sync.RWMutex
	shardMu    sync.Mutex
	shardLocks map[string]*shardLock
}

type shardLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Tree
type Option func(*Tree)

// WithPersister enables write-through persistence
func WithPersister(p Persister) Option {
	return func(t *Tree) {
		t.persister = p
	}
}

// New creates an empty tree
func New(opts ...Option) *Tree {
	t := &Tree{
		subs:       make(map[*Subscription]struct{}),
		shardLocks: make(map[string]*shardLock),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore loads persisted shards into the tree without persisting or notifying
func (t *Tree) Restore(shards map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, value := range shards {
		segs, err := splitPath(key)
		if err != nil {
			return err
		}
		if len(segs) != shardDepth {
			return fmt.Errorf("%w: shard key %q", ErrInvalidPath, key)
		}
		v, err := normalize(value)
		if err != nil {
			return fmt.Errorf("failed to restore shard %q: %w", key, err)
		}
		t.root = assign(t.root, segs, v)
	}
	return nil
}

// Get reads the current value at p
func (t *Tree) Get(ctx context.Context, p string) (Snapshot, error) {
	segs, err := splitPath(p)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Snapshot{}, ErrClosed
	}
	return Snapshot{path: joinPath(segs), value: clone(lookup(t.root, segs))}, nil
}

// Subscribe starts a live read of p. The current value is delivered first.
// The subscription ends when ctx is cancelled, Close is called or the tree is closed.
func (t *Tree) Subscribe(ctx context.Context, p string) (*Subscription, error) {
	segs, err := splitPath(p)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &SubscriptionError{Path: p, Err: ErrClosed}
	}
	sub := newSubscription(joinPath(segs), segs, t.detach)
	sub.last = clone(lookup(t.root, segs))
	sub.push(Snapshot{path: sub.path, value: sub.last})
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	log.Debug().Str("path", sub.path).Msg("Subscription started")
	return sub, nil
}

func (t *Tree) detach(sub *Subscription) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// GenerateKey allocates a time-ordered unique key for a child of p without writing
func (t *Tree) GenerateKey(p string) string {
	return uuid.Must(uuid.NewV7()).String()
}

// Set replaces the value at p. A nil value removes it.
func (t *Tree) Set(ctx context.Context, p string, value any) error {
	segs, err := splitPath(p)
	if err != nil {
		return &WriteError{Op: "set", Path: p, Err: err}
	}
	v, err := normalize(value)
	if err != nil {
		return &WriteError{Op: "set", Path: p, Err: err}
	}
	return t.write(ctx, "set", p, []change{{segs: segs, value: v}}, nil)
}

// Update writes several children of p at once. Field names may be relative
// paths; a nil field removes that child.
func (t *Tree) Update(ctx context.Context, p string, fields map[string]any) error {
	base, err := splitPath(p)
	if err != nil {
		return &WriteError{Op: "update", Path: p, Err: err}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	changes := make([]change, 0, len(fields))
	for _, name := range names {
		rel, err := splitPath(name)
		if err != nil || len(rel) == 0 {
			return &WriteError{Op: "update", Path: p, Err: fmt.Errorf("%w: field %q", ErrInvalidPath, name)}
		}
		v, err := normalize(fields[name])
		if err != nil {
			return &WriteError{Op: "update", Path: p, Err: err}
		}
		segs := append(append([]string{}, base...), rel...)
		changes = append(changes, change{segs: segs, value: v})
	}
	return t.write(ctx, "update", p, changes, nil)
}

// Remove deletes the value at p
func (t *Tree) Remove(ctx context.Context, p string) error {
	segs, err := splitPath(p)
	if err != nil {
		return &WriteError{Op: "remove", Path: p, Err: err}
	}
	return t.write(ctx, "remove", p, []change{{segs: segs}}, nil)
}

// Transaction replaces the value at p with fn applied to the committed
// value, with no other write to p in between. fn returning nil removes
// the value; fn returning an error aborts without writing. The snapshot
// of the new value is returned.
func (t *Tree) Transaction(ctx context.Context, p string, fn func(current Snapshot) (any, error)) (Snapshot, error) {
	segs, err := splitPath(p)
	if err != nil {
		return Snapshot{}, &WriteError{Op: "transaction", Path: p, Err: err}
	}

	changes := []change{{segs: segs}}
	resolve := func() error {
		t.mu.Lock()
		current := Snapshot{path: joinPath(segs), value: clone(lookup(t.root, segs))}
		t.mu.Unlock()

		next, err := fn(current)
		if err != nil {
			return err
		}
		v, err := normalize(next)
		if err != nil {
			return err
		}
		changes[0].value = v
		return nil
	}

	if err := t.write(ctx, "transaction", p, changes, resolve); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{path: joinPath(segs), value: clone(changes[0].value)}, nil
}

// Close ends every subscription with ErrClosed and rejects further operations
func (t *Tree) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[*Subscription]struct{})
	t.mu.Unlock()

	for sub := range subs {
		sub.finish(&SubscriptionError{Path: sub.path, Err: ErrClosed})
	}
}

type change struct {
	segs  []string
	value any
}

// shardWrite is the new document of one shard produced by a write
type shardWrite struct {
	key  string
	segs []string
	prev any
	next any
}

// staged is a write applied to copies of the committed state
type staged struct {
	whole  bool
	root   any
	shards []shardWrite
}

// write commits changes. resolve, when set, fills in the changes once the
// affected shards are locked against other writers. Shard persistence runs
// without holding mu, so reads and writes to other shards proceed.
func (t *Tree) write(ctx context.Context, op, p string, changes []change, resolve func() error) error {
	unlock := t.lockWriters(changes)
	defer unlock()

	if resolve != nil {
		if err := resolve(); err != nil {
			return &WriteError{Op: op, Path: p, Err: err}
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &WriteError{Op: op, Path: p, Err: ErrClosed}
	}
	st := t.stageLocked(changes)
	t.mu.Unlock()

	if t.persister != nil {
		if err := t.persist(ctx, st.shards); err != nil {
			return &WriteError{Op: op, Path: p, Err: err}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st.whole {
		t.root = st.root
	} else {
		for _, sw := range st.shards {
			t.root = assign(t.root, sw.segs, sw.next)
		}
	}
	t.notify(changes)
	return nil
}

// lockWriters excludes other writers from the shards changes touch and
// returns the matching unlock. Shard locks are taken in key order.
func (t *Tree) lockWriters(changes []change) func() {
	seen := make(map[string]bool)
	keys := make([]string, 0, len(changes))
	for _, c := range changes {
		if len(c.segs) < shardDepth {
			t.writeMu.Lock()
			return t.writeMu.Unlock
		}
		key := joinPath(c.segs[:shardDepth])
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	t.writeMu.RLock()
	locks := make([]*shardLock, len(keys))
	t.shardMu.Lock()
	for i, key := range keys {
		l, ok := t.shardLocks[key]
		if !ok {
			l = &shardLock{}
			t.shardLocks[key] = l
		}
		l.refs++
		locks[i] = l
	}
	t.shardMu.Unlock()

	for _, l := range locks {
		l.mu.Lock()
	}

	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].mu.Unlock()
		}
		t.shardMu.Lock()
		for i, key := range keys {
			if locks[i].refs--; locks[i].refs == 0 {
				delete(t.shardLocks, key)
			}
		}
		t.shardMu.Unlock()
		t.writeMu.RUnlock()
	}
}

// stageLocked applies changes to copies of the shards they touch. Only
// shards whose document changes are returned.
func (t *Tree) stageLocked(changes []change) staged {
	for _, c := range changes {
		if len(c.segs) < shardDepth {
			return t.stageWholeLocked(changes)
		}
	}

	var st staged
	index := make(map[string]int)
	for _, c := range changes {
		key := joinPath(c.segs[:shardDepth])
		i, ok := index[key]
		if !ok {
			segs := c.segs[:shardDepth]
			prev := lookup(t.root, segs)
			st.shards = append(st.shards, shardWrite{key: key, segs: segs, prev: prev, next: clone(prev)})
			i = len(st.shards) - 1
			index[key] = i
		}
		st.shards[i].next = assign(st.shards[i].next, c.segs[shardDepth:], clone(c.value))
	}

	changed := st.shards[:0]
	for _, sw := range st.shards {
		if !reflect.DeepEqual(sw.prev, sw.next) {
			changed = append(changed, sw)
		}
	}
	st.shards = changed
	sort.Slice(st.shards, func(i, j int) bool { return st.shards[i].key < st.shards[j].key })
	return st
}

// stageWholeLocked handles writes above shard depth, which can touch any shard
func (t *Tree) stageWholeLocked(changes []change) staged {
	root := clone(t.root)
	for _, c := range changes {
		root = assign(root, c.segs, clone(c.value))
	}

	keys := shardKeys(t.root)
	for key := range shardKeys(root) {
		keys[key] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	st := staged{whole: true, root: root}
	for _, key := range sorted {
		segs, _ := splitPath(key)
		prev, next := lookup(t.root, segs), lookup(root, segs)
		if !reflect.DeepEqual(prev, next) {
			st.shards = append(st.shards, shardWrite{key: key, segs: segs, prev: prev, next: next})
		}
	}
	return st
}

// shardKeys lists the shard keys present below root
func shardKeys(root any) map[string]struct{} {
	keys := make(map[string]struct{})
	top, _ := root.(map[string]any)
	for name, v := range top {
		children, _ := v.(map[string]any)
		for child := range children {
			keys[name+"/"+child] = struct{}{}
		}
	}
	return keys
}

func (t *Tree) persist(ctx context.Context, shards []shardWrite) error {
	for i, sw := range shards {
		if err := t.saveShard(ctx, sw.key, sw.next); err != nil {
			// shards saved before the failure must not keep the rejected value
			for _, done := range shards[:i] {
				if rerr := t.saveShard(ctx, done.key, done.prev); rerr != nil {
					log.Error().Err(rerr).Str("path", done.key).Msg("Failed to restore shard after rejected write")
				}
			}
			return err
		}
	}
	return nil
}

func (t *Tree) saveShard(ctx context.Context, key string, v any) error {
	if v == nil {
		if err := t.persister.DeleteShard(ctx, key); err != nil {
			return fmt.Errorf("failed to delete shard %q: %w", key, err)
		}
		return nil
	}
	if err := t.persister.SaveShard(ctx, key, v); err != nil {
		return fmt.Errorf("failed to save shard %q: %w", key, err)
	}
	return nil
}

// notify pushes a fresh snapshot to every subscription whose value changed
func (t *Tree) notify(changes []change) {
	for sub := range t.subs {
		hit := false
		for _, c := range changes {
			if related(c.segs, sub.segs) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		v := lookup(t.root, sub.segs)
		if reflect.DeepEqual(v, sub.last) {
			continue
		}
		sub.last = clone(v)
		sub.push(Snapshot{path: sub.path, value: sub.last})
	}
}
