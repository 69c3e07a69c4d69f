package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilter(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		want   int
	}{
		{name: "allowed", events: []string{EventLiquidationExecuted}, event: EventLiquidationExecuted, want: 1},
		{name: "filtered", events: []string{EventLiquidationExecuted}, event: EventFundingUpdated, want: 0},
		{name: "empty list allows all", events: nil, event: EventFundingUpdated, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{name: "rec"}
			n := NewNotifier([]Sender{s}, tt.events, discard())
			if err := n.Notify(context.Background(), tt.event, "t", "m"); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			if len(s.titles) != tt.want {
				t.Errorf("sent %d, want %d", len(s.titles), tt.want)
			}
		})
	}
}

func TestNotifierThrottleAndPrefix(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discard(), WithThrottle(time.Hour, 2), WithPrefix("base"))

	for i := 0; i < 5; i++ {
		_ = n.Notify(context.Background(), EventLiquidationFailed, "failed", "m")
	}
	_ = n.Notify(context.Background(), EventFundingUpdated, "funded", "m")

	if len(s.titles) != 3 {
		t.Fatalf("sent %d, want 3 (2 throttled failures + 1 funding)", len(s.titles))
	}
	if s.titles[0] != "[base] failed" {
		t.Errorf("title = %q", s.titles[0])
	}
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), EventError, "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Error("healthy sender skipped after a failure")
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	if err := n.Notify(context.Background(), EventError, "t", "m"); err != nil {
		t.Fatalf("nil notifier: %v", err)
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), "title", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if got["chat_id"] != "42" || got["text"] != "title\nbody" {
		t.Errorf("payload = %v", got)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "no content", status: http.StatusNoContent},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload discordPayload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&payload)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewDiscordSender(srv.URL).Send(context.Background(), "title", "body")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(payload.Embeds) != 1 || payload.Embeds[0].Title != "title" {
				t.Errorf("payload = %+v", payload)
			}
		})
	}
}
