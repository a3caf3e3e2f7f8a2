package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rjsadow/hastream/internal/state"
)

func TestParseSSELine_ValidEventExtractsNameAndState(t *testing.T) {
	line := `data: {"topic":"openhab/items/Kitchen_Light/statechanged","payload":"{\"type\":\"String\",\"value\":\"ON\"}"}`

	c, ok := parseSSELine(line)
	if !ok {
		t.Fatal("expected parseSSELine to succeed")
	}
	if c.Name != "Kitchen_Light" || c.State != "ON" {
		t.Errorf("unexpected change: %+v", c)
	}
}

func TestParseSSELine_RejectsNonDataLines(t *testing.T) {
	if _, ok := parseSSELine("event: message"); ok {
		t.Error("expected non-data line to be rejected")
	}
}

func TestParseSSELine_RejectsMalformedPayload(t *testing.T) {
	line := `data: {"topic":"openhab/items/X/statechanged","payload":"not json"}`
	if _, ok := parseSSELine(line); ok {
		t.Error("expected malformed nested payload to be rejected")
	}
}

func TestItemNameFromTopic(t *testing.T) {
	cases := map[string]string{
		"openhab/items/Kitchen_Light/statechanged": "Kitchen_Light",
		"openhab/items/statechanged":                "statechanged",
		"no/items/here/":                            "here",
		"unrelated/topic":                           "",
	}
	for topic, want := range cases {
		if got := itemNameFromTopic(topic); got != want {
			t.Errorf("itemNameFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestSSE_EmitsChangeFromStreamedLine(t *testing.T) {
	changes := make(chan []state.ItemChange, 1)
	f := &fakeFetcher{
		streamLines: []string{
			`data: {"topic":"openhab/items/Kitchen_Light/statechanged","payload":"{\"type\":\"String\",\"value\":\"ON\"}"}`,
		},
	}

	s := newSSE(Deps{
		Fetcher:   f,
		OnChanges: func(c []state.ItemChange) { changes <- c },
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer cancel()
	defer s.Stop()

	select {
	case c := <-changes:
		if len(c) != 1 || c[0].Name != "Kitchen_Light" {
			t.Fatalf("unexpected changes: %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
}

func TestSSE_ReconnectsAfterStreamError(t *testing.T) {
	f := &fakeFetcher{streamErr: errors.New("connection reset")}

	s := newSSE(Deps{
		Fetcher:   f,
		OnChanges: func(c []state.ItemChange) {},
	}).(*sse)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	// Let at least one reconnect cycle happen, then shut down cleanly.
	time.Sleep(50 * time.Millisecond)
	cancel()
	s.Stop()
}
