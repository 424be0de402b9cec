package cacheop

import (
	"log/slog"
	"sort"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber status buffer size.
const DefaultSubscriberBuffer = 64

// activeOperation is the type-erased view of an Operation held by the registry.
type activeOperation interface {
	Tag() string
	Kind() Kind
	Priority() Priority
	CurrentUpdate() CacheStateUpdate
	Done() <-chan struct{}
	raisePriority(p Priority) Priority
}

// Info describes an active operation.
type Info struct {
	Tag      string
	Kind     Kind
	Priority Priority
	Update   CacheStateUpdate
}

type subscription struct {
	tags map[string]struct{} // nil matches every tag
	ch   chan Status
}

// Registry tracks active operations by tag and multicasts their status
// updates. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	active map[string]activeOperation

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger for the registry and its operations.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithSubscriberBuffer sets how many status updates a slow subscriber may lag
// behind before the oldest are dropped.
func WithSubscriberBuffer(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.Default(),
		buffer: DefaultSubscriberBuffer,
		active: make(map[string]activeOperation),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "cacheop")
	return r
}

// Lookup returns the active operation registered under tag.
func (r *Registry) Lookup(tag string) (Info, bool) {
	r.mu.Lock()
	op, ok := r.active[tag]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return Info{Tag: tag, Kind: op.Kind(), Priority: op.Priority(), Update: op.CurrentUpdate()}, true
}

// Active returns all active operations ordered by tag.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	ops := make([]activeOperation, 0, len(r.active))
	for _, op := range r.active {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(ops))
	for _, op := range ops {
		infos = append(infos, Info{Tag: op.Tag(), Kind: op.Kind(), Priority: op.Priority(), Update: op.CurrentUpdate()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Tag < infos[j].Tag })
	return infos
}

// Len returns the number of active operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Subscribe returns a channel of status updates for the given tags, or for
// every tag when none are given. A subscriber that falls behind loses its
// oldest updates. cancel closes the channel.
func (r *Registry) Subscribe(tags ...string) (updates <-chan Status, cancel func()) {
	sub := &subscription{ch: make(chan Status, r.buffer)}
	if len(tags) > 0 {
		sub.tags = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			sub.tags[t] = struct{}{}
		}
	}

	r.subsMu.Lock()
	r.subs[sub] = struct{}{}
	r.subsMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, sub)
			close(sub.ch)
			r.subsMu.Unlock()
		})
	}
}

func (r *Registry) publish(tag string, update CacheStateUpdate) {
	status := Status{Tag: tag, Update: update}

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for sub := range r.subs {
		if sub.tags != nil {
			if _, ok := sub.tags[tag]; !ok {
				continue
			}
		}
		for {
			select {
			case sub.ch <- status:
			default:
				// Full: drop the oldest update and try again.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// unregister removes op from the registry if it is still the entry for its
// tag. It reports whether it removed it.
func (r *Registry) unregister(op activeOperation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[op.Tag()]; ok && cur == op {
		delete(r.active, op.Tag())
		return true
	}
	return false
}
