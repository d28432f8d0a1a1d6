package taglink

import (
	"sync"

	"taglink/logging"
	"taglink/status"
)

// tagIDMask bounds tag identifiers to positive 28-bit values.
const tagIDMask int32 = 0x0FFFFFFF

// maxIDAttempts bounds the scan for an unused identifier.
const maxIDAttempts = 50

// tagRegistry is the process-wide mapping from tag identifier to tag.
// One mutex serializes every operation; lookups are brief so contention
// stays low.
type tagRegistry struct {
	mu     sync.Mutex
	tags   map[int32]*Tag
	nextID int32
}

var registry = &tagRegistry{tags: map[int32]*Tag{}}

// register assigns the next unused positive 28-bit identifier, skipping
// zero and live values, scanning at most maxIDAttempts candidates.
func (r *tagRegistry) register(t *Tag) (int32, status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempts := 0; attempts < maxIDAttempts; attempts++ {
		r.nextID = (r.nextID + 1) & tagIDMask
		if r.nextID == 0 {
			r.nextID = 1
		}
		if _, live := r.tags[r.nextID]; live {
			continue
		}

		t.id = r.nextID
		r.tags[t.id] = t
		logging.Detail("registry", "registered tag %d (%s)", t.id, t.name)
		return t.id, status.OK
	}

	logging.Error("registry", "no free tag identifiers after %d attempts", maxIDAttempts)
	return 0, status.ErrNoResources
}

// lookup returns the tag for an identifier, or nil. The registry holds
// the only strong table; a returned tag stays valid because destroy
// removes it from the table before tearing it down, and Go keeps the
// memory alive while the caller holds the pointer.
func (r *tagRegistry) lookup(id int32) *Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags[id]
}

// remove deletes and returns the stored tag, or nil.
func (r *tagRegistry) remove(id int32) *Tag {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tags[id]
	delete(r.tags, id)
	return t
}

// snapshot returns the live identifiers for tickler iteration. The
// slice is a point-in-time view; entries may be gone by the time they
// are looked up again.
func (r *tagRegistry) snapshot() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int32, 0, len(r.tags))
	for id := range r.tags {
		out = append(out, id)
	}
	return out
}

// size returns the live tag count.
func (r *tagRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tags)
}
