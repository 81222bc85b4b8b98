// Package presence tracks the set of users currently online in a
// channel, derived from authoritative transport snapshots.
package presence

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Snapshotter supplies the authoritative occupant list per channel.
type Snapshotter interface {
	HereNow(ctx context.Context, channels []string) (map[string][]string, error)
}

// Tracker maintains the online-user set for one channel. The set is
// always replaced wholesale from a snapshot, never patched, so
// concurrent refreshes may race: last writer wins and staleness
// self-corrects on the next trigger. Replace and Online must be called
// from the owning session goroutine; Refresh may run anywhere.
type Tracker struct {
	channel  string
	snapshot Snapshotter
	logger   zerolog.Logger
	online   []string
}

// New creates a tracker for channel backed by the given snapshot
// source.
func New(channel string, snapshot Snapshotter, logger zerolog.Logger) *Tracker {
	return &Tracker{
		channel:  channel,
		snapshot: snapshot,
		logger:   logger.With().Str("component", "presence").Logger(),
	}
}

// Refresh queries the transport for the current occupants and returns
// the replacement set, sorted for stable rendering. On failure the
// error is logged and returned; the caller leaves prior state
// untouched.
func (t *Tracker) Refresh(ctx context.Context) ([]string, error) {
	result, err := t.snapshot.HereNow(ctx, []string{t.channel})
	if err != nil {
		t.logger.Warn().Err(err).Msg("presence snapshot failed")
		return nil, err
	}
	users := lo.Uniq(lo.Flatten(lo.Values(result)))
	sort.Strings(users)
	return users, nil
}

// Replace swaps in a freshly fetched occupant set.
func (t *Tracker) Replace(users []string) {
	t.online = users
}

// Online returns a copy of the current occupant set.
func (t *Tracker) Online() []string {
	out := make([]string, len(t.online))
	copy(out, t.online)
	return out
}
