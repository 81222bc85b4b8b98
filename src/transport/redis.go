package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/partway/chat/config"
	"github.com/partway/chat/src/types"
)

// Presence key lifetime and the heartbeat that keeps it alive while
// subscribed.
const (
	presenceTTL       = 30 * time.Second
	heartbeatInterval = 10 * time.Second
)

// envelope wraps every published payload with the originating user id
// so receivers can attribute signals and filter self-echoes.
type envelope struct {
	Publisher string `json:"publisher"`
	Payload   any    `json:"payload"`
}

// RedisTransport implements Transport over Redis: pub/sub channels for
// live delivery, a capped list for history, and TTL keys refreshed by
// a heartbeat for presence.
type RedisTransport struct {
	client *redis.Client
	cfg    *config.RedisConfig
	userID string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subs     []*redis.PubSub
	presence []string // channels we announced ourselves on
	closed   bool
}

// NewRedis creates a Redis transport publishing as userID.
func NewRedis(cfg *config.RedisConfig, userID string, logger zerolog.Logger) *RedisTransport {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisTransport{
		client: client,
		cfg:    cfg,
		userID: userID,
		logger: logger.With().Str("component", "redis-transport").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start verifies connectivity.
func (t *RedisTransport) Start(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	t.logger.Info().Str("addr", t.cfg.Addr).Msg("redis transport connected")
	return nil
}

func (t *RedisTransport) messageChannel(channel string) string {
	return t.cfg.Prefix + "msg:" + channel
}

func (t *RedisTransport) signalChannel(channel string) string {
	return t.cfg.Prefix + "signal:" + channel
}

func (t *RedisTransport) presenceChannel(channel string) string {
	return t.cfg.Prefix + "presence:" + channel
}

func (t *RedisTransport) historyKey(channel string) string {
	return t.cfg.Prefix + "history:" + channel
}

func (t *RedisTransport) presenceKey(channel, userID string) string {
	return t.cfg.Prefix + "online:" + channel + ":" + userID
}

// Subscribe begins delivery of events for the channel. With presence
// enabled it also announces this user, keeps its presence key alive,
// and relays peer join/leave notifications.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, withPresence bool) (<-chan types.Event, error) {
	names := []string{t.messageChannel(channel), t.signalChannel(channel)}
	if withPresence {
		names = append(names, t.presenceChannel(channel))
	}

	sub := t.client.Subscribe(t.ctx, names...)
	// Wait for subscription confirmation.
	if _, err := sub.Receive(t.ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	if withPresence {
		t.presence = append(t.presence, channel)
	}
	t.mu.Unlock()

	events := make(chan types.Event, 256)
	t.wg.Add(1)
	go t.listen(sub, channel, events)

	if withPresence {
		if err := t.announce(ctx, channel, "join"); err != nil {
			t.logger.Warn().Err(err).Msg("presence announce failed")
		}
		t.wg.Add(1)
		go t.heartbeat(channel)
	}

	t.logger.Info().Str("channel", channel).Bool("presence", withPresence).Msg("subscribed")
	return events, nil
}

// listen reads raw pub/sub traffic and forwards decoded events.
func (t *RedisTransport) listen(sub *redis.PubSub, channel string, events chan<- types.Event) {
	defer t.wg.Done()
	defer close(events)

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := t.decode(msg, channel)
			if err != nil {
				t.logger.Warn().Err(err).Str("redis_channel", msg.Channel).Msg("dropping undecodable event")
				continue
			}
			select {
			case events <- ev:
			case <-t.ctx.Done():
				return
			}
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *RedisTransport) decode(msg *redis.Message, channel string) (types.Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return types.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	ev := types.Event{
		Channel:   channel,
		Publisher: env.Publisher,
		Payload:   env.Payload,
		Timestamp: time.Now(),
	}
	switch msg.Channel {
	case t.messageChannel(channel):
		ev.Kind = types.KindMessage
	case t.signalChannel(channel):
		ev.Kind = types.KindSignal
	case t.presenceChannel(channel):
		ev.Kind = types.KindPresence
	default:
		return types.Event{}, fmt.Errorf("unexpected redis channel %q", msg.Channel)
	}
	return ev, nil
}

// heartbeat keeps this user's presence key alive until shutdown.
func (t *RedisTransport) heartbeat(channel string) {
	defer t.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	key := t.presenceKey(channel, t.userID)
	for {
		select {
		case <-ticker.C:
			if err := t.client.Set(t.ctx, key, "1", presenceTTL).Err(); err != nil {
				t.logger.Warn().Err(err).Msg("presence heartbeat failed")
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// announce sets or clears our presence key and notifies the channel.
func (t *RedisTransport) announce(ctx context.Context, channel, action string) error {
	key := t.presenceKey(channel, t.userID)
	if action == "leave" {
		if err := t.client.Del(ctx, key).Err(); err != nil {
			return err
		}
	} else {
		if err := t.client.Set(ctx, key, "1", presenceTTL).Err(); err != nil {
			return err
		}
	}
	data, err := json.Marshal(envelope{Publisher: t.userID, Payload: action})
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.presenceChannel(channel), data).Err()
}

// Publish sends a chat message to live subscribers and appends it to
// the capped history list.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload map[string]string) error {
	data, err := json.Marshal(envelope{Publisher: t.userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := t.client.Publish(ctx, t.messageChannel(channel), data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	item, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode history item: %w", err)
	}
	key := t.historyKey(channel)
	pipe := t.client.Pipeline()
	pipe.RPush(ctx, key, item)
	pipe.LTrim(ctx, key, int64(-t.cfg.HistoryLimit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Signal sends an ephemeral sentinel. Signals are never persisted.
func (t *RedisTransport) Signal(ctx context.Context, channel, sentinel string) error {
	data, err := json.Marshal(envelope{Publisher: t.userID, Payload: sentinel})
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return t.client.Publish(ctx, t.signalChannel(channel), data).Err()
}

// HereNow scans the presence keys of each channel and returns the
// occupant ids.
func (t *RedisTransport) HereNow(ctx context.Context, channels []string) (map[string][]string, error) {
	result := make(map[string][]string, len(channels))
	for _, channel := range channels {
		pattern := t.presenceKey(channel, "*")
		keyPrefix := t.presenceKey(channel, "")

		var occupants []string
		iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			occupants = append(occupants, strings.TrimPrefix(iter.Val(), keyPrefix))
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scan presence %s: %w", channel, err)
		}
		result[channel] = occupants
	}
	return result, nil
}

// FetchHistory returns the retained message payloads, oldest first.
func (t *RedisTransport) FetchHistory(ctx context.Context, channels []string) (map[string][]any, error) {
	result := make(map[string][]any, len(channels))
	for _, channel := range channels {
		items, err := t.client.LRange(ctx, t.historyKey(channel), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("fetch history %s: %w", channel, err)
		}
		payloads := make([]any, 0, len(items))
		for _, item := range items {
			var payload map[string]any
			if err := json.Unmarshal([]byte(item), &payload); err != nil {
				t.logger.Warn().Err(err).Str("channel", channel).Msg("skipping undecodable history item")
				continue
			}
			payloads = append(payloads, payload)
		}
		result[channel] = payloads
	}
	return result, nil
}

// UnsubscribeAll announces departure on presence channels, stops all
// listeners, and ends event delivery. Idempotent.
func (t *RedisTransport) UnsubscribeAll() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	announced := t.presence
	t.subs = nil
	t.presence = nil
	t.mu.Unlock()

	// Best-effort leave announcements before the context is torn down.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, channel := range announced {
		if err := t.announce(ctx, channel, "leave"); err != nil {
			t.logger.Warn().Err(err).Str("channel", channel).Msg("leave announce failed")
		}
	}

	t.cancel()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("pubsub close failed")
		}
	}
	t.wg.Wait()
	return nil
}

// Close releases the underlying Redis client. Call after
// UnsubscribeAll.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
