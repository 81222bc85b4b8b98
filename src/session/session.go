// Package session owns all mutable chat state for one channel. A
// single goroutine serializes every mutation; transport callbacks,
// timer fires, and API calls all funnel through its inbound queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/partway/chat/src/identity"
	"github.com/partway/chat/src/presence"
	"github.com/partway/chat/src/store"
	"github.com/partway/chat/src/transport"
	"github.com/partway/chat/src/types"
	"github.com/partway/chat/src/typing"
)

var (
	// ErrEmptyMessage rejects a send whose text is empty after
	// trimming.
	ErrEmptyMessage = errors.New("message cannot be empty")
	// ErrClosed reports an operation on a torn-down session.
	ErrClosed = errors.New("session closed")
)

// callTimeout bounds fire-and-forget transport calls made on behalf of
// the event loop.
const callTimeout = 10 * time.Second

// Options configures a Session.
type Options struct {
	Channel string
	UserID  string
	// Username defaults to the display-name projection of UserID.
	Username  string
	Transport transport.Transport
	Logger    zerolog.Logger

	// Typing timings; zero values use the package defaults.
	TypingDebounce time.Duration
	TypingStop     time.Duration
}

// Snapshot is the UI-observable chat state.
type Snapshot struct {
	Messages    []types.ChatMessage `json:"messages"`
	Online      []string            `json:"online"`
	TypingUsers []string            `json:"typingUsers"`
	TypingLine  string              `json:"typingLine"`
}

// Session binds the local identity to one channel subscription and
// reconciles the inbound event stream into consistent local state.
type Session struct {
	channel   string
	userID    string
	username  string
	transport transport.Transport
	logger    zerolog.Logger

	store    *store.Store
	presence *presence.Tracker
	local    *typing.Coordinator
	remote   *typing.Remote

	events <-chan types.Event
	tasks  chan func()
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	snapMu sync.RWMutex
	snap   Snapshot
	subs   map[int]chan struct{}
	subSeq int
}

// Open subscribes to the channel with presence, starts the event loop,
// and kicks off the initial presence refresh and history backfill.
func Open(opts Options) (*Session, error) {
	if opts.Channel == "" {
		return nil, errors.New("channel is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	username := opts.Username
	if username == "" {
		username = identity.DisplayName(opts.UserID)
	}

	events, err := opts.Transport.Subscribe(context.Background(), opts.Channel, true)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", opts.Channel, err)
	}

	logger := opts.Logger.With().
		Str("component", "session").
		Str("channel", opts.Channel).
		Logger()

	s := &Session{
		channel:   opts.Channel,
		userID:    opts.UserID,
		username:  username,
		transport: opts.Transport,
		logger:    logger,
		store:     store.New(logger),
		presence:  presence.New(opts.Channel, opts.Transport, logger),
		remote:    typing.NewRemote(),
		events:    events,
		tasks:     make(chan func(), 64),
		done:      make(chan struct{}),
		subs:      make(map[int]chan struct{}),
	}
	s.local = typing.NewCoordinator(
		opts.TypingDebounce,
		opts.TypingStop,
		s.sendSignal,
		func(fn func()) { s.do(fn) },
	)

	go s.run()
	s.do(func() { s.publishSnapshot() })
	s.refreshPresence()
	s.fetchHistory()
	return s, nil
}

var (
	sharedMu sync.Mutex
	shared   *Session
)

// Shared returns the process-wide session, opening it lazily on first
// use. Later calls ignore opts and return the existing session.
func Shared(opts Options) (*Session, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return shared, nil
	}
	s, err := Open(opts)
	if err != nil {
		return nil, err
	}
	shared = s
	return s, nil
}

// run is the single owner of all mutable chat state.
func (s *Session) run() {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.route(ev)
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			return
		}
	}
}

// do schedules fn onto the event loop. Returns false once the session
// is closed.
func (s *Session) do(fn func()) bool {
	select {
	case s.tasks <- fn:
		return true
	case <-s.done:
		return false
	}
}

// route classifies one inbound transport event and dispatches it.
// Runs on the event loop.
func (s *Session) route(ev types.Event) {
	switch ev.Kind {
	case types.KindMessage:
		msg, err := normalizeMessage(ev.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed message")
			return
		}
		if s.store.Insert(msg) {
			s.publishSnapshot()
		}
	case types.KindPresence:
		// The notification itself carries nothing of interest; it only
		// means the occupant set changed.
		s.refreshPresence()
	case types.KindSignal:
		s.routeSignal(ev)
	default:
		s.logger.Debug().Str("kind", string(ev.Kind)).Msg("unhandled event kind")
	}
}

func (s *Session) routeSignal(ev types.Event) {
	if ev.Publisher == "" {
		s.logger.Warn().Msg("dropping signal without publisher")
		return
	}
	if ev.Publisher == s.userID {
		s.logger.Debug().Msg("ignoring self signal")
		return
	}
	flag, err := normalizeSignal(ev.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed signal")
		return
	}
	if flag {
		s.remote.Add(ev.Publisher)
	} else {
		s.remote.Remove(ev.Publisher)
	}
	s.publishSnapshot()
}

// refreshPresence queries the authoritative occupant list off-loop and
// applies the replacement set back on the loop. Failure leaves prior
// state untouched; refreshes may race, each is a full snapshot.
func (s *Session) refreshPresence() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		users, err := s.presence.Refresh(ctx)
		if err != nil {
			return // already logged by the tracker
		}
		s.do(func() {
			s.presence.Replace(users)
			s.publishSnapshot()
		})
	}()
}

// fetchHistory backfills the message log once at session start. Each
// item goes through the same normalization as a live message; the
// store's dedup absorbs items that were also delivered live.
func (s *Session) fetchHistory() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		history, err := s.transport.FetchHistory(ctx, []string{s.channel})
		if err != nil {
			s.logger.Warn().Err(err).Msg("history fetch failed")
			return
		}
		items := history[s.channel]
		if len(items) == 0 {
			return
		}
		s.do(func() {
			changed := false
			for _, payload := range items {
				msg, err := normalizeMessage(payload)
				if err != nil {
					s.logger.Warn().Err(err).Msg("dropping malformed history item")
					continue
				}
				if s.store.Insert(msg) {
					changed = true
				}
			}
			if changed {
				s.publishSnapshot()
			}
		})
	}()
}

// Send publishes a chat message authored by the local user. The local
// copy is inserted immediately; the transport echo is absorbed by the
// dedup invariant. Sending ends any typing state.
func (s *Session) Send(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}
	now := time.Now()
	msg := types.ChatMessage{
		ID:        uuid.New().String(),
		Text:      trimmed,
		UserID:    s.userID,
		Username:  s.username,
		Timestamp: now,
	}
	ok := s.do(func() {
		if s.store.Insert(msg) {
			s.publishSnapshot()
		}
		s.local.MessageSent()
	})
	if !ok {
		return ErrClosed
	}

	payload := map[string]string{
		types.FieldText:      trimmed,
		types.FieldUserID:    s.userID,
		types.FieldUsername:  s.username,
		types.FieldTimestamp: now.Format(types.TimestampLayout),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if err := s.transport.Publish(ctx, s.channel, payload); err != nil {
			s.logger.Error().Err(err).Msg("publish failed")
		}
	}()
	return nil
}

// InputChanged records the current value of the local input field,
// driving the typing state machine.
func (s *Session) InputChanged(text string) {
	s.do(func() { s.local.InputChanged(text) })
}

// sendSignal is the coordinator's outbound path. Fire-and-forget:
// failures are logged, never retried.
func (s *Session) sendSignal(flag bool) {
	sentinel := types.SignalTypingStop
	if flag {
		sentinel = types.SignalTypingStart
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if err := s.transport.Signal(ctx, s.channel, sentinel); err != nil {
			s.logger.Error().Err(err).Str("sentinel", sentinel).Msg("signal failed")
		}
	}()
}

// Snapshot returns the current UI-observable state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Subscribe returns a channel that receives a tick after every state
// change, plus a cancel func. Ticks are coalesced; consumers re-read
// Snapshot on each one.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.snapMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = ch
	s.snapMu.Unlock()
	return ch, func() {
		s.snapMu.Lock()
		delete(s.subs, id)
		s.snapMu.Unlock()
	}
}

// publishSnapshot rebuilds the observable state and wakes subscribers.
// Runs on the event loop.
func (s *Session) publishSnapshot() {
	snap := Snapshot{
		Messages:    s.store.Snapshot(),
		Online:      s.presence.Online(),
		TypingUsers: s.remote.Users(),
		TypingLine:  typing.IndicatorText(s.remote.Users(), identity.DisplayName),
	}
	s.snapMu.Lock()
	s.snap = snap
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.snapMu.Unlock()
}

// UserID returns the local user id.
func (s *Session) UserID() string { return s.userID }

// Username returns the local display name.
func (s *Session) Username() string { return s.username }

// Channel returns the channel this session is bound to.
func (s *Session) Channel() string { return s.channel }

// Close tears the session down: pending typing timers are cancelled, a
// final best-effort stop signal goes out, and the channel subscription
// ends. Idempotent and safe even if typing never started.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		flushed := make(chan struct{})
		if s.do(func() {
			s.local.Teardown()
			close(flushed)
		}) {
			<-flushed
		}
		close(s.done)
		s.closeErr = s.transport.UnsubscribeAll()
		if s.closeErr != nil {
			s.logger.Warn().Err(s.closeErr).Msg("unsubscribe failed")
		}
	})
	return s.closeErr
}
