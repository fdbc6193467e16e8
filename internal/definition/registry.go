package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// snapshot is an immutable set of journey types indexed by name.
type snapshot struct {
	types    map[string]*JourneyType
	checksum string
}

// Registry is a read-optimized, thread-safe store of journey types. Reads
// load an atomic snapshot; registrations copy it.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry holding the given journey types.
func NewRegistry(types ...*JourneyType) (*Registry, error) {
	r := &Registry{}
	r.snap.Store(&snapshot{types: map[string]*JourneyType{}})
	for _, jt := range types {
		if err := r.Register(jt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a journey type. Names must be unique.
func (r *Registry) Register(jt *JourneyType) error {
	if jt == nil {
		return fmt.Errorf("register journey type: nil definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.types[jt.name]; exists {
		return fmt.Errorf("journey type %q is already registered", jt.name)
	}
	next := &snapshot{types: make(map[string]*JourneyType, len(cur.types)+1)}
	for k, v := range cur.types {
		next.types[k] = v
	}
	next.types[jt.name] = jt
	next.checksum = checksum(next.types)
	r.snap.Store(next)
	return nil
}

// Get returns the journey type with the given name.
func (r *Registry) Get(name string) (*JourneyType, bool) {
	jt, ok := r.snap.Load().types[name]
	return jt, ok
}

// All returns every journey type sorted by name.
func (r *Registry) All() []*JourneyType {
	s := r.snap.Load()
	out := make([]*JourneyType, 0, len(s.types))
	for _, jt := range s.types {
		out = append(out, jt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Checksum fingerprints the registered names and step tables. Two processes
// sharing a store should report the same value.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}

func checksum(types map[string]*JourneyType) string {
	parts := make([]string, 0, len(types))
	for name, jt := range types {
		names := make([]string, len(jt.steps))
		for i, s := range jt.steps {
			names[i] = s.Name
		}
		parts = append(parts, name+"="+strings.Join(names, ","))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}
