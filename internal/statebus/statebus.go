// Package statebus implements the optional cross-process state bus
// (a SPEC_FULL.md supplement): when the three privilege-class sockets
// (content/web/admin) run as separate processes on one device, Redis
// pub/sub fans out engine-state and history changes so every process
// observes a change made through another one immediately, rather than
// only on its next DB read. Grounded on the teacher's
// session.Store interface with a Memory/Redis backend switch in
// cmd/elida/main.go.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"csrd/internal/model"
)

// Channel is the single pub/sub channel every csrd process subscribes
// to for cross-process invalidation.
const Channel = "csrd:state"

// EventKind discriminates the two event shapes published on Channel.
type EventKind string

const (
	EventEngineState  EventKind = "engine_state_changed"
	EventHistory      EventKind = "history_changed"
)

// Event is the JSON envelope published and received on Channel.
type Event struct {
	Kind     EventKind      `json:"kind"`
	EngineID model.EngineID `json:"engine_id,omitempty"`
	Enabled  bool           `json:"enabled,omitempty"`
	Path     string         `json:"path,omitempty"`
}

// Bus publishes state-change notifications and lets callers subscribe
// to them.
type Bus interface {
	PublishEngineStateChanged(id model.EngineID, enabled bool)
	PublishHistoryChanged(path string)
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Noop is used when no Redis endpoint is configured; every call is a
// no-op, matching the teacher's MemoryStore fallback.
type Noop struct{}

func (Noop) PublishEngineStateChanged(model.EngineID, bool) {}
func (Noop) PublishHistoryChanged(string)                   {}
func (Noop) Subscribe(context.Context) (<-chan Event, error) {
	ch := make(chan Event)
	return ch, nil
}

// RedisBus is a Bus backed by github.com/redis/go-redis/v9 pub/sub.
type RedisBus struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisBus connects to addr and returns a RedisBus.
func NewRedisBus(addr, password string, db int, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBus{client: client, log: log}
}

// Close releases the Redis client.
func (b *RedisBus) Close() error { return b.client.Close() }

func (b *RedisBus) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("statebus: marshaling event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, Channel, data).Err(); err != nil {
		b.log.Warn("statebus: publish failed", "error", err)
	}
}

// PublishEngineStateChanged implements Bus.
func (b *RedisBus) PublishEngineStateChanged(id model.EngineID, enabled bool) {
	b.publish(Event{Kind: EventEngineState, EngineID: id, Enabled: enabled})
}

// PublishHistoryChanged implements Bus.
func (b *RedisBus) PublishHistoryChanged(path string) {
	b.publish(Event{Kind: EventHistory, Path: path})
}

// Subscribe implements Bus, returning a channel of decoded events
// that closes when ctx is canceled.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("statebus: subscribing: %w", err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		raw := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("statebus: dropping malformed event", "error", err)
					continue
				}
				out <- ev
			}
		}
	}()
	return out, nil
}
