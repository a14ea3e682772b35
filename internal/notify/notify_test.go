package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/trigger"
)

// webhookRecorder captures delivered Slack payloads.
type webhookRecorder struct {
	mu       sync.Mutex
	messages []string
	status   int
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var p payload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.messages = append(r.messages, p.Text)
	r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
	}
}

func (r *webhookRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func TestNotifier_DriftDetected(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := New(srv.URL, slog.New(slog.DiscardHandler))
	n.DriftDetected(context.Background(), drift.Score{
		Divergence: 0.1834,
		WindowSize: 72,
		Threshold:  0.1,
	})

	got := rec.received()
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if !strings.Contains(got[0], "0.1834") || !strings.Contains(got[0], "72 samples") {
		t.Errorf("message = %q", got[0])
	}
}

func TestNotifier_RetrainEvents(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := New(srv.URL, slog.New(slog.DiscardHandler))
	runID := uuid.New()
	ctx := context.Background()

	tests := []struct {
		name string
		ev   trigger.Event
		want string
	}{
		{
			"triggered",
			trigger.Event{Kind: trigger.EventTriggered, Reason: trigger.ReasonDrift, RunID: runID},
			"triggered",
		},
		{
			"promoted",
			trigger.Event{Kind: trigger.EventFinished, RunID: runID, Promoted: true},
			"promoted",
		},
		{
			"not promoted",
			trigger.Event{Kind: trigger.EventFinished, RunID: runID},
			"without promotion",
		},
		{
			"failed",
			trigger.Event{Kind: trigger.EventFinished, RunID: runID, Err: errors.New("rebuild blew up")},
			"rebuild blew up",
		},
		{
			"canceled",
			trigger.Event{Kind: trigger.EventCanceled, RunID: runID},
			"canceled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(rec.received())
			n.RetrainEvent(ctx, tt.ev)
			got := rec.received()
			if len(got) != before+1 {
				t.Fatalf("messages = %d, want %d", len(got), before+1)
			}
			last := got[len(got)-1]
			if !strings.Contains(last, tt.want) || !strings.Contains(last, runID.String()) {
				t.Errorf("message = %q, want substring %q", last, tt.want)
			}
		})
	}
}

func TestNotifier_DisabledWithoutURL(t *testing.T) {
	n := New("", slog.New(slog.DiscardHandler))
	if n.Enabled() {
		t.Fatal("Enabled() = true for empty webhook URL")
	}
	// Must not panic or attempt any network call.
	n.DriftDetected(context.Background(), drift.Score{Divergence: 1})
	n.RetrainEvent(context.Background(), trigger.Event{Kind: trigger.EventTriggered})
}

func TestNotifier_DeliveryFailureIsSwallowed(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusForbidden}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := New(srv.URL, slog.New(slog.DiscardHandler))
	n.DriftDetected(context.Background(), drift.Score{Divergence: 0.5})

	// A rejected delivery still counts as an attempt and must not panic.
	if len(rec.received()) != 1 {
		t.Fatalf("attempts = %d, want 1", len(rec.received()))
	}

	// A dead endpoint is equally non-fatal.
	srv.Close()
	n.DriftDetected(context.Background(), drift.Score{Divergence: 0.5})
}
