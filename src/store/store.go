// Package store holds the deduplicated, time-ordered message log for a
// single channel.
package store

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/partway/chat/src/types"
)

// DuplicateWindow is the timestamp tolerance within which two messages
// with the same sender and text are considered redeliveries of one
// message. Covers at-least-once transport redelivery and the race
// between history replay and live receipt.
const DuplicateWindow = time.Second

// Store is the ordered, deduplicated message collection. It is not
// safe for concurrent use; the owning session serializes all access.
type Store struct {
	messages   []types.ChatMessage
	duplicates int
	logger     zerolog.Logger
}

// New creates an empty store.
func New(logger zerolog.Logger) *Store {
	return &Store{logger: logger.With().Str("component", "store").Logger()}
}

// Insert adds msg unless an equivalent message is already held, and
// reports whether the store changed. Duplicates are absorbed silently:
// observable through Duplicates and a debug log, never an error.
func (s *Store) Insert(msg types.ChatMessage) bool {
	if s.isDuplicate(msg) {
		s.duplicates++
		s.logger.Debug().
			Str("user_id", msg.UserID).
			Time("timestamp", msg.Timestamp).
			Msg("duplicate message ignored")
		return false
	}
	s.messages = append(s.messages, msg)
	// Stable sort keeps insertion order on exact timestamp ties.
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp.Before(s.messages[j].Timestamp)
	})
	return true
}

func (s *Store) isDuplicate(msg types.ChatMessage) bool {
	return lo.SomeBy(s.messages, func(held types.ChatMessage) bool {
		if held.UserID != msg.UserID || held.Text != msg.Text {
			return false
		}
		delta := held.Timestamp.Sub(msg.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		return delta < DuplicateWindow
	})
}

// Snapshot returns the held messages in ascending timestamp order.
// The returned slice is a copy; callers may not mutate stored entries.
func (s *Store) Snapshot() []types.ChatMessage {
	out := make([]types.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int { return len(s.messages) }

// Duplicates returns how many inserts were absorbed as redeliveries.
func (s *Store) Duplicates() int { return s.duplicates }
