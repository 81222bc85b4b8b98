package typing

import "sort"

// Remote is the set of peers currently flagged typing. Entries are
// inserted and removed solely by inbound signals; there is no local
// expiry, so correctness rests on peers reliably sending their own
// stop signal. Owned by the session goroutine.
type Remote struct {
	users map[string]struct{}
}

// NewRemote creates an empty remote typing set.
func NewRemote() *Remote {
	return &Remote{users: make(map[string]struct{})}
}

// Add flags a peer as typing. Idempotent.
func (r *Remote) Add(userID string) {
	r.users[userID] = struct{}{}
}

// Remove clears a peer's typing flag. Idempotent, no-op if absent.
func (r *Remote) Remove(userID string) {
	delete(r.users, userID)
}

// Users returns the flagged peer ids in sorted order.
func (r *Remote) Users() []string {
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of peers currently flagged typing.
func (r *Remote) Len() int { return len(r.users) }
