package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rjsadow/hastream/internal/state"
)

func init() {
	Register("poll", newPoll)
}

// poll subscribes by GETting /rest/items at an interval that shortens
// while any client is focused. Every cycle carries the strategy's current
// generation; a cycle whose generation no longer matches after the await
// aborts without rescheduling, so a stop-then-restart can't leave a stray
// timer alive.
type poll struct {
	deps Deps

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation int64
}

func newPoll(deps Deps) Strategy {
	return &poll{deps: deps}
}

func (p *poll) Start(parent context.Context) error {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(ctx, gen)
	return nil
}

func (p *poll) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *poll) loop(ctx context.Context, gen int64) {
	for {
		interval := p.deps.PollBackgroundInterval()
		if p.deps.IsFocused != nil && p.deps.IsFocused() {
			interval = p.deps.PollFocusedInterval()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if !p.currentGeneration(gen) {
			return
		}

		resp, err := p.deps.Fetcher.Get(ctx, "/rest/items")
		if !p.currentGeneration(gen) {
			return
		}
		if err != nil {
			continue
		}

		changes := extractFlatItems(resp.Body)
		if len(changes) > 0 {
			p.deps.OnChanges(changes)
		}
	}
}

func (p *poll) currentGeneration(gen int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.generation
}

type flatItem struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func extractFlatItems(body []byte) []state.ItemChange {
	var items []flatItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil
	}
	out := make([]state.ItemChange, 0, len(items))
	for _, it := range items {
		out = append(out, state.ItemChange{Name: it.Name, State: it.State})
	}
	return out
}
