// Package dedup rejects work whose fingerprint has already been scheduled.
package dedup

import "sync"

// Filter is a concurrency-safe set of fingerprints. The zero value is not
// usable; call New.
type Filter struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns an empty Filter.
func New() *Filter {
	return &Filter{seen: make(map[string]struct{})}
}

// SeenBefore reports whether fp has been marked.
func (f *Filter) SeenBefore(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[fp]
	return ok
}

// MarkSeen records fp. Marking twice is a no-op.
func (f *Filter) MarkSeen(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[fp] = struct{}{}
}

// TryMark inserts fp and reports whether it was new. The check and the insert
// happen under one lock, so concurrent callers racing on the same fingerprint
// see exactly one true.
func (f *Filter) TryMark(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[fp]; ok {
		return false
	}
	f.seen[fp] = struct{}{}
	return true
}

// Len returns the number of distinct fingerprints recorded.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
