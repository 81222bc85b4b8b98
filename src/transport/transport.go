// Package transport defines the pub/sub capability the chat session
// consumes and provides the Redis implementation of it.
package transport

import (
	"context"

	"github.com/partway/chat/src/types"
)

// Transport is the channel-scoped pub/sub backend the session depends
// on. Every call is independently fallible; none may block the
// session's event loop — the session invokes them from worker
// goroutines and feeds results back through its inbound queue.
type Transport interface {
	// Subscribe begins asynchronous delivery of message and signal
	// events for the channel, plus presence-change events when
	// withPresence is set. Events arrive on the returned Go channel
	// until UnsubscribeAll.
	Subscribe(ctx context.Context, channel string, withPresence bool) (<-chan types.Event, error)

	// Publish sends a persisted chat-message payload to the channel.
	Publish(ctx context.Context, channel string, payload map[string]string) error

	// Signal sends a non-persisted ephemeral sentinel to the channel.
	Signal(ctx context.Context, channel string, sentinel string) error

	// HereNow returns the authoritative occupant ids per channel.
	HereNow(ctx context.Context, channels []string) (map[string][]string, error)

	// FetchHistory returns the retained message payloads per channel,
	// oldest first. Items keep the loose payload shape and go through
	// the same normalization as live messages.
	FetchHistory(ctx context.Context, channels []string) (map[string][]any, error)

	// UnsubscribeAll ends delivery on every subscription and announces
	// departure where presence is tracked. Idempotent.
	UnsubscribeAll() error
}
