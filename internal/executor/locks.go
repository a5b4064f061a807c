package executor

import (
	"sort"
	"sync"
)

// ResourceLockManager serializes tasks that declare the same resource, such
// as a shared database or load balancer, even across nodes. Each resource
// name gets its own mutex.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for one resource, creating it on first use.
func (r *ResourceLockManager) Lock(resource string) {
	r.mu.Lock()
	l, ok := r.locks[resource]
	if !ok {
		l = &sync.Mutex{}
		r.locks[resource] = l
	}
	r.mu.Unlock()

	l.Lock()
}

// Unlock releases the mutex for one resource.
func (r *ResourceLockManager) Unlock(resource string) {
	r.mu.Lock()
	l, ok := r.locks[resource]
	r.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// LockAll acquires every resource in sorted order, which keeps two tasks
// with overlapping sets from deadlocking. Duplicates are ignored.
func (r *ResourceLockManager) LockAll(resources []string) {
	for _, res := range normalize(resources) {
		r.Lock(res)
	}
}

// UnlockAll releases what LockAll acquired, in reverse order.
func (r *ResourceLockManager) UnlockAll(resources []string) {
	sorted := normalize(resources)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func normalize(resources []string) []string {
	if len(resources) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(resources))
	seen := make(map[string]bool, len(resources))
	for _, res := range resources {
		if res == "" || seen[res] {
			continue
		}
		seen[res] = true
		sorted = append(sorted, res)
	}
	sort.Strings(sorted)
	return sorted
}
