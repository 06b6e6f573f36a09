// Package adminfeed implements the admin live-feed supplement
// described in SPEC_FULL.md: a WebSocket endpoint, separate from the
// three command sockets, that streams newly-inserted detection rows
// and engine-state changes as JSON events for SOC dashboards or SIEM
// forwarders to tail. It is a machine-readable event stream, not a
// GUI, and is grounded on the teacher's internal/websocket upgrade
// pattern (handler.go's websocket.Accept usage), adapted from
// proxying arbitrary client frames to broadcasting one fixed event
// shape to every connected subscriber.
package adminfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"csrd/internal/statebus"
)

// Feed accepts WebSocket subscribers and fans out statebus events to
// all of them.
type Feed struct {
	log *slog.Logger

	mu          sync.Mutex
	subscribers map[chan statebus.Event]struct{}
}

// New returns a Feed. Run must be started separately to pump events
// from bus into connected subscribers.
func New(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{log: log, subscribers: make(map[chan statebus.Event]struct{})}
}

// Run subscribes to bus and broadcasts every event until ctx is
// cancelled.
func (f *Feed) Run(ctx context.Context, bus statebus.Bus) error {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.broadcast(ev)
		}
	}
}

func (f *Feed) broadcast(ev statebus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
			f.log.Warn("adminfeed: subscriber too slow, dropping event")
		}
	}
}

func (f *Feed) subscribe() chan statebus.Event {
	ch := make(chan statebus.Event, 64)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(ch chan statebus.Event) {
	f.mu.Lock()
	delete(f.subscribers, ch)
	f.mu.Unlock()
	close(ch)
}

// ServeHTTP upgrades the request to a WebSocket and streams every
// broadcast event to this one subscriber as JSON until the client
// disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		f.log.Error("adminfeed: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				f.log.Error("adminfeed: marshaling event", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
				f.log.Debug("adminfeed: subscriber write failed, closing", "error", err)
				return
			}
		}
	}
}
