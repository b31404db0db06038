package device

import (
	"sort"
	"sync"
)

// SelectionSet is the group of devices the operator is steering
// together. Gestures on the active device are mirrored to every other
// member of the set; devices outside the set are never mirrored to.
type SelectionSet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewSelectionSet creates an empty selection.
func NewSelectionSet() *SelectionSet {
	return &SelectionSet{members: make(map[string]struct{})}
}

// Add inserts a device into the selection.
func (s *SelectionSet) Add(udid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[udid] = struct{}{}
}

// Remove drops a device from the selection.
func (s *SelectionSet) Remove(udid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, udid)
}

// Toggle flips membership and reports the new state.
func (s *SelectionSet) Toggle(udid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[udid]; ok {
		delete(s.members, udid)
		return false
	}
	s.members[udid] = struct{}{}
	return true
}

// Contains reports whether the device is selected.
func (s *SelectionSet) Contains(udid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[udid]
	return ok
}

// Others returns the selected devices excluding the given one, in
// stable order. It is the mirror target list for a gesture on active.
func (s *SelectionSet) Others(active string) []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.members))
	for udid := range s.members {
		if udid != active {
			out = append(out, udid)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot returns all selected devices in stable order.
func (s *SelectionSet) Snapshot() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.members))
	for udid := range s.members {
		out = append(out, udid)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the selection size.
func (s *SelectionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Clear empties the selection.
func (s *SelectionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = make(map[string]struct{})
}
