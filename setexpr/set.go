package setexpr

import "sort"

// Set holds recipient email addresses. The operator methods never mutate
// their receivers or arguments: resolved sets are cached for the lifetime of
// the server and shared across connections, so every combination has to
// build a fresh Set.
type Set map[string]struct{}

// NewSet builds a Set from the given addresses.
func NewSet(addrs ...string) Set {
	s := make(Set, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Add inserts an address into the set.
func (s Set) Add(addr string) {
	s[addr] = struct{}{}
}

// Contains reports whether addr is a member of the set.
func (s Set) Contains(addr string) bool {
	_, ok := s[addr]
	return ok
}

// Union returns a new set with the members of both s and t.
func (s Set) Union(t Set) Set {
	u := make(Set, len(s)+len(t))
	for a := range s {
		u[a] = struct{}{}
	}
	for a := range t {
		u[a] = struct{}{}
	}
	return u
}

// Intersect returns a new set with the members present in both s and t.
func (s Set) Intersect(t Set) Set {
	u := make(Set)
	for a := range s {
		if t.Contains(a) {
			u[a] = struct{}{}
		}
	}
	return u
}

// Diff returns a new set with the members of s that are not members of t.
func (s Set) Diff(t Set) Set {
	u := make(Set)
	for a := range s {
		if !t.Contains(a) {
			u[a] = struct{}{}
		}
	}
	return u
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	u := make(Set, len(s))
	for a := range s {
		u[a] = struct{}{}
	}
	return u
}

// Slice returns the members of the set sorted lexicographically.
func (s Set) Slice() []string {
	addrs := make([]string, 0, len(s))
	for a := range s {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

// Equal reports whether s and t have exactly the same members.
func (s Set) Equal(t Set) bool {
	if len(s) != len(t) {
		return false
	}
	for a := range s {
		if !t.Contains(a) {
			return false
		}
	}
	return true
}
