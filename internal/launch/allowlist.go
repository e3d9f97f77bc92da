package launch

import "sort"

// AllowList is the fixed set of executables the controller may start.
// Matching is exact string equality: no cleaning, case folding, prefix
// matching or symlink resolution.
type AllowList struct {
	entries map[string]struct{}
}

// NewAllowList builds an allow-list from the given executable paths.
// Duplicates and empty strings are dropped.
func NewAllowList(paths ...string) *AllowList {
	entries := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		entries[p] = struct{}{}
	}
	return &AllowList{entries: entries}
}

// Allowed reports whether target is exactly one of the entries.
func (a *AllowList) Allowed(target string) bool {
	if a == nil {
		return false
	}
	_, ok := a.entries[target]
	return ok
}

// Entries returns the entries in sorted order.
func (a *AllowList) Entries() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.entries))
	for p := range a.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}
