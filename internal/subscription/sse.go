package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rjsadow/hastream/internal/state"
)

func init() {
	Register("sse", newSSE)
}

// sse subscribes via one long-lived GET to the upstream event stream,
// reconnecting after a fixed delay on any stream error. The upstream
// response has request and socket timeouts disabled, so the connection's
// own context is the only way to end it.
type sse struct {
	deps Deps

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newSSE(deps Deps) Strategy {
	return &sse{deps: deps}
}

const sseReconnectDelay = 3 * time.Second

func (s *sse) Start(parent context.Context) error {
	s.mu.Lock()
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

func (s *sse) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *sse) run(ctx context.Context) {
	path := "/rest/events?topics=openhab/items/*/statechanged"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.deps.Fetcher.StreamLines(ctx, path, func(line string) {
			if c, ok := parseSSELine(line); ok {
				s.deps.OnChanges([]state.ItemChange{c})
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("subscription: sse stream ended", "error", err)
		}
		select {
		case <-time.After(sseReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

type sseEnvelope struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type sseStatePayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// parseSSELine parses one "data: {...}" event line. The event envelope's
// payload field is itself a JSON string that must be re-parsed to recover
// the new item state.
func parseSSELine(line string) (state.ItemChange, bool) {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return state.ItemChange{}, false
	}

	var env sseEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return state.ItemChange{}, false
	}

	name := itemNameFromTopic(env.Topic)
	if name == "" {
		return state.ItemChange{}, false
	}

	var payload sseStatePayload
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil {
		return state.ItemChange{}, false
	}

	return state.ItemChange{Name: name, State: payload.Value}, true
}

// itemNameFromTopic extracts "Kitchen_Light" from
// "openhab/items/Kitchen_Light/statechanged".
func itemNameFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "items" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
