package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partway/chat/src/types"
)

// mockTransport implements transport.Transport in-memory.
type mockTransport struct {
	mu        sync.Mutex
	events    chan types.Event
	published []map[string]string
	signals   []string
	occupants map[string][]string
	hereErr   error
	history   map[string][]any
	unsubbed  bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events:    make(chan types.Event, 64),
		occupants: make(map[string][]string),
		history:   make(map[string][]any),
	}
}

func (m *mockTransport) Subscribe(_ context.Context, _ string, _ bool) (<-chan types.Event, error) {
	return m.events, nil
}

func (m *mockTransport) Publish(_ context.Context, _ string, payload map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, payload)
	return nil
}

func (m *mockTransport) Signal(_ context.Context, _ string, sentinel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, sentinel)
	return nil
}

func (m *mockTransport) HereNow(_ context.Context, channels []string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hereErr != nil {
		return nil, m.hereErr
	}
	out := make(map[string][]string, len(channels))
	for _, ch := range channels {
		out[ch] = append([]string(nil), m.occupants[ch]...)
	}
	return out, nil
}

func (m *mockTransport) FetchHistory(_ context.Context, channels []string) (map[string][]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]any, len(channels))
	for _, ch := range channels {
		out[ch] = append([]any(nil), m.history[ch]...)
	}
	return out, nil
}

func (m *mockTransport) UnsubscribeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unsubbed {
		m.unsubbed = true
		close(m.events)
	}
	return nil
}

func (m *mockTransport) setOccupants(channel string, users ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupants[channel] = users
}

func (m *mockTransport) setHereErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hereErr = err
}

func (m *mockTransport) sentSignals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.signals...)
}

func (m *mockTransport) sentMessages() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.published...)
}

func (m *mockTransport) emit(ev types.Event) { m.events <- ev }

func openTestSession(t *testing.T, mt *mockTransport) *Session {
	t.Helper()
	s, err := Open(Options{
		Channel:        "part-chat",
		UserID:         "local-user-0001",
		Transport:      mt,
		Logger:         zerolog.Nop(),
		TypingDebounce: 20 * time.Millisecond,
		TypingStop:     150 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func messagePayload(text, userID string, ts time.Time) map[string]string {
	return map[string]string{
		"text":      text,
		"userId":    userID,
		"username":  "User" + userID[max(0, len(userID)-4):],
		"timestamp": ts.Format(time.RFC3339),
	}
}

func TestEndToEndScenario(t *testing.T) {
	mt := newMockTransport()
	s := openTestSession(t, mt)

	t0 := time.Now()
	require.NoError(t, s.Send("hi"))

	// Remote user A starts typing.
	mt.emit(types.Event{Kind: types.KindSignal, Publisher: "user-a", Payload: "1"})
	require.Eventually(t, func() bool {
		return len(s.Snapshot().TypingUsers) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user-a"}, s.Snapshot().TypingUsers)

	// A stops typing and the message lands, stamped t0+2s.
	mt.emit(types.Event{Kind: types.KindSignal, Publisher: "user-a", Payload: "0"})
	mt.emit(types.Event{
		Kind:      types.KindMessage,
		Publisher: "user-a",
		Payload:   messagePayload("hello", "user-a", t0.Add(2*time.Second)),
	})

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Messages) == 2 && len(snap.TypingUsers) == 0
	}, time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, "hi", snap.Messages[0].Text)
	assert.Equal(t, "local-user-0001", snap.Messages[0].UserID)
	assert.Equal(t, "hello", snap.Messages[1].Text)
	assert.Equal(t, "user-a", snap.Messages[1].UserID)
	assert.Empty(t, snap.TypingLine)
}

func TestSendPublishesAndEchoIsAbsorbed(t *testing.T) {
	mt := newMockTransport()
	s := openTestSession(t, mt)

	require.NoError(t, s.Send("hi there"))

	require.Eventually(t, func() bool {
		return len(mt.sentMessages()) == 1
	}, time.Second, 5*time.Millisecond)
	published := mt.sentMessages()[0]
	assert.Equal(t, "hi there", published["text"])
	assert.Equal(t, "local-user-0001", published["userId"])
	assert.Equal(t, "User0001", published["username"])

	// The transport delivers our own publish back; dedup absorbs it.
	mt.emit(types.Event{
		Kind:      types.KindMessage,
		Publisher: "local-user-0001",
		Payload:   published,
	})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Snapshot().Messages, 1)
}

func TestSendRejectsEmptyText(t *testing.T) {
	mt := newMockTransport()
	s := openTestSession(t, mt)

	assert.ErrorIs(t, s.Send("   "), ErrEmptyMessage)
	assert.Empty(t, s.Snapshot().Messages)
}

func TestSelfEchoSignalIgnored(t *testing.T) {
	mt := newMockTransport()
	s := openTestSession(t, mt)

	mt.emit(types.Event{Kind: types.KindSignal, Publisher: "local-user-0001", Payload: "1"})
	mt.emit(types.Event{Kind: types.KindSignal, Publisher: "user-b", Payload: "1"})

	require.Eventually(t, func() bool {
		return len(s.Snapshot().TypingUsers) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user-b"}, s.Snapshot().TypingUsers)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	mt := newMockTransport()
	s := openTestSession(t, mt)

	// Missing timestamp.
	mt.emit(types.Event{
		Kind:      types.KindMessage,
		Publisher: "user-a",
		Payload:   map[string]string{"text": "hi", "userId": "user-a", "username": "UserA"},
	})
	// Unknown signal sentinel.
	mt.emit(types.Event{Kind: types.KindSignal, Publisher: "user-a", Payload: "maybe"})
	// Well-formed message afterwards still lands.
	mt.emit(types.Event{
		Kind:      types.KindMessage,
		Publisher: "user-a",
		Payload:   messagePayload("ok", "user-a", time.Now()),
	})

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Snapshot().TypingUsers)
}

func TestPresenceRefreshOnNotification(t *testing.T) {
	mt := newMockTransport()
	mt.setOccupants("part-chat", "local-user-0001")
	s := openTestSession(t, mt)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Online) == 1
	}, time.Second, 5*time.Millisecond)

	mt.setOccupants("part-chat", "local-user-0001", "user-a")
	mt.emit(types.Event{Kind: types.KindPresence, Publisher: "user-a", Payload: "join"})

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Online) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"local-user-0001", "user-a"}, s.Snapshot().Online)
}

func TestPresenceFailureKeepsPriorSet(t *testing.T) {
	mt := newMockTransport()
	mt.setOccupants("part-chat", "user-a", "user-b")
	s := openTestSession(t, mt)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Online) == 2
	}, time.Second, 5*time.Millisecond)

	mt.setHereErr(errors.New("snapshot query failed"))
	mt.emit(types.Event{Kind: types.KindPresence, Publisher: "user-b", Payload: "leave"})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Snapshot().Online, 2, "failed refresh must not clear the set")

	mt.setHereErr(nil)
	mt.setOccupants("part-chat", "user-a")
	mt.emit(types.Event{Kind: types.KindPresence, Publisher: "user-b", Payload: "leave"})
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Online) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHistoryBackfillDedupedAgainstLive(t *testing.T) {
	ts := time.Now().Add(-time.Hour).Truncate(time.Second)
	mt := newMockTransport()
	// History items arrive in the generic JSON-decoded shape.
	mt.history["part-chat"] = []any{
		map[string]any{
			"text":      "old news",
			"userId":    "user-a",
			"username":  "Usera",
			"timestamp": ts.Format(time.RFC3339),
		},
	}
	s := openTestSession(t, mt)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 1
	}, time.Second, 5*time.Millisecond)

	// The same message also delivered live: dedup keeps one copy.
	mt.emit(types.Event{
		Kind:      types.KindMessage,
		Publisher: "user-a",
		Payload:   messagePayload("old news", "user-a", ts),
	})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Snapshot().Messages, 1)
}

func TestTypingSignalsFlowThroughTransport(t *testing.T) {
	mt := newMockTransport()
	s := openTestSession(t, mt)

	s.InputChanged("h")
	require.Eventually(t, func() bool {
		sig := mt.sentSignals()
		return len(sig) == 1 && sig[0] == "1"
	}, time.Second, 5*time.Millisecond)

	s.InputChanged("")
	require.Eventually(t, func() bool {
		sig := mt.sentSignals()
		return len(sig) == 2 && sig[1] == "0"
	}, time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	mt := newMockTransport()
	s := openTestSession(t, mt)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	mt.mu.Lock()
	unsubbed := mt.unsubbed
	mt.mu.Unlock()
	assert.True(t, unsubbed)

	// The teardown emitted a final best-effort stop signal.
	require.Eventually(t, func() bool {
		sig := mt.sentSignals()
		return len(sig) == 1 && sig[0] == "0"
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Send("too late"), ErrClosed)
}

func TestSharedReturnsSameSession(t *testing.T) {
	mt := newMockTransport()
	a, err := Shared(Options{
		Channel:   "part-chat",
		UserID:    "local-user-0001",
		Transport: mt,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := Shared(Options{})
	require.NoError(t, err)
	assert.Same(t, a, b)
}
