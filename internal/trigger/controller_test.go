package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/log"
	"github.com/propbot/propbot/internal/metrics"
)

// memStateStore mirrors the Postgres row semantics in memory, including the
// CAS on Acquire.
type memStateStore struct {
	mu    sync.Mutex
	state State
}

func newMemStateStore() *memStateStore {
	return &memStateStore{state: State{Status: StatusIdle, UpdatedAt: time.Now()}}
}

func (m *memStateStore) Get(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStateStore) MarkTriggered(_ context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == StatusIdle {
		m.state.Status = StatusTriggered
		m.state.LastReason = reason
	}
	return nil
}

func (m *memStateStore) Acquire(_ context.Context, token uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusIdle && m.state.Status != StatusTriggered {
		return false, nil
	}
	m.state.Status = StatusRunning
	m.state.LockToken = &token
	m.state.LastReason = reason
	return true, nil
}

func (m *memStateStore) Release(_ context.Context, token, runID uuid.UUID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.LockToken == nil || *m.state.LockToken != token {
		return nil
	}
	m.state.Status = StatusCoolingDown
	m.state.LockToken = nil
	m.state.LastRunID = &runID
	m.state.CooldownUntil = &until
	return nil
}

func (m *memStateStore) ResetIfCooled(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == StatusCoolingDown &&
		m.state.CooldownUntil != nil && !now.Before(*m.state.CooldownUntil) {
		m.state.Status = StatusIdle
		m.state.CooldownUntil = nil
	}
	return nil
}

// fakeRunner records invocations; optionally blocks until released or
// returns a fixed error.
type fakeRunner struct {
	mu       sync.Mutex
	runs     int
	promoted bool
	err      error
	block    chan struct{} // nil = return immediately
}

func (r *fakeRunner) Run(ctx context.Context, _ uuid.UUID, _ string) (bool, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return r.promoted, r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// eventLog collects controller events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func testTriggerConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		DriftThreshold:       0.1,
		MinSamples:           50,
		Cooldown:             time.Hour,
		SatisfactionBaseline: 0.85,
		LatencyCeiling:       5 * time.Second,
	}
}

func newTestController(t *testing.T, store StateStore, runner Runner, events OnEvent) *Controller {
	t.Helper()
	c, err := NewController(store, runner, testTriggerConfig(), events, log.NewNop())
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c
}

func TestController_TriggerRunsAndCoolsDown(t *testing.T) {
	store := newMemStateStore()
	runner := &fakeRunner{promoted: true}
	events := &eventLog{}
	c := newTestController(t, store, runner, events.record)

	if err := c.Trigger(context.Background(), ReasonManual); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	c.Wait()

	if runner.count() != 1 {
		t.Errorf("runner invoked %d times, want 1", runner.count())
	}
	state, _ := store.Get(context.Background())
	if state.Status != StatusCoolingDown {
		t.Errorf("status after run = %q, want cooling_down", state.Status)
	}
	if state.CooldownUntil == nil || !state.CooldownUntil.After(time.Now()) {
		t.Error("cooldown deadline not set in the future")
	}
	if state.LastRunID == nil {
		t.Error("last run ID not recorded")
	}

	last := events.last()
	if last.Kind != EventFinished || !last.Promoted || last.Err != nil {
		t.Errorf("final event = %+v, want finished+promoted", last)
	}
}

func TestController_ConcurrentTriggersExactlyOneWins(t *testing.T) {
	store := newMemStateStore()
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	c := newTestController(t, store, runner, nil)

	const callers = 8
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Trigger(context.Background(), ReasonManual)
		}()
	}
	wg.Wait()
	close(results)

	var wins, rejections int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRetrainInProgress):
			rejections++
		default:
			t.Errorf("unexpected Trigger() error = %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d triggers won the race, want exactly 1", wins)
	}
	if rejections != callers-1 {
		t.Errorf("%d rejections, want %d", rejections, callers-1)
	}

	close(block)
	c.Wait()
	if runner.count() != 1 {
		t.Errorf("runner invoked %d times, want 1", runner.count())
	}
}

func TestController_CooldownSuppressesThenExpires(t *testing.T) {
	store := newMemStateStore()
	until := time.Now().Add(time.Hour)
	store.state = State{Status: StatusCoolingDown, CooldownUntil: &until}
	c := newTestController(t, store, &fakeRunner{}, nil)

	if err := c.Trigger(context.Background(), ReasonManual); !errors.Is(err, ErrCoolingDown) {
		t.Errorf("Trigger() during cooldown error = %v, want ErrCoolingDown", err)
	}

	// Expired deadline: lazy reset lets the trigger through.
	past := time.Now().Add(-time.Minute)
	store.mu.Lock()
	store.state.CooldownUntil = &past
	store.mu.Unlock()

	if err := c.Trigger(context.Background(), ReasonManual); err != nil {
		t.Errorf("Trigger() after cooldown expiry error = %v", err)
	}
	c.Wait()
}

func TestController_RunFailureStillCoolsDown(t *testing.T) {
	store := newMemStateStore()
	runner := &fakeRunner{err: errors.New("rebuild failed")}
	events := &eventLog{}
	c := newTestController(t, store, runner, events.record)

	if err := c.Trigger(context.Background(), ReasonDrift); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	c.Wait()

	state, _ := store.Get(context.Background())
	if state.Status != StatusCoolingDown {
		t.Errorf("status after failed run = %q, want cooling_down", state.Status)
	}
	last := events.last()
	if last.Kind != EventFinished || last.Err == nil || last.Promoted {
		t.Errorf("final event = %+v, want finished with error, not promoted", last)
	}
}

func TestController_Cancel(t *testing.T) {
	store := newMemStateStore()
	runner := &fakeRunner{block: make(chan struct{})}
	events := &eventLog{}
	c := newTestController(t, store, runner, events.record)

	if err := c.Trigger(context.Background(), ReasonManual); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if err := c.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	c.Wait()

	state, _ := store.Get(context.Background())
	if state.Status != StatusCoolingDown {
		t.Errorf("status after cancel = %q, want cooling_down", state.Status)
	}
	last := events.last()
	if last.Kind != EventCanceled || last.Promoted {
		t.Errorf("final event = %+v, want canceled, not promoted", last)
	}

	if err := c.Cancel(context.Background()); err == nil {
		t.Error("Cancel() with no run in progress should fail")
	}
}

func TestController_Evaluate(t *testing.T) {
	healthySummary := metrics.Summary{
		Count: 100, RatedCount: 40, AvgSatisfaction: 0.92, AvgLatencyMS: 800,
	}

	tests := []struct {
		name        string
		score       drift.Score
		summary     metrics.Summary
		wantRun     bool
		wantReasons []string
	}{
		{
			name:    "no breach",
			score:   drift.Score{Divergence: 0.03, Reason: drift.ReasonWithinThreshold},
			summary: healthySummary,
		},
		{
			name:        "drift exceeded",
			score:       drift.Score{Divergence: 0.4, Exceeded: true, Reason: drift.ReasonExceeded},
			summary:     healthySummary,
			wantRun:     true,
			wantReasons: []string{ReasonDrift},
		},
		{
			name:  "satisfaction below baseline",
			score: drift.Score{Reason: drift.ReasonWithinThreshold},
			summary: metrics.Summary{
				Count: 100, RatedCount: 40, AvgSatisfaction: 0.6, AvgLatencyMS: 800,
			},
			wantRun:     true,
			wantReasons: []string{ReasonSatisfaction},
		},
		{
			name:  "latency above ceiling",
			score: drift.Score{Reason: drift.ReasonWithinThreshold},
			summary: metrics.Summary{
				Count: 100, RatedCount: 40, AvgSatisfaction: 0.92, AvgLatencyMS: 9000,
			},
			wantRun:     true,
			wantReasons: []string{ReasonLatency},
		},
		{
			name:  "breaches collapse into one trigger",
			score: drift.Score{Divergence: 0.4, Exceeded: true, Reason: drift.ReasonExceeded},
			summary: metrics.Summary{
				Count: 100, RatedCount: 40, AvgSatisfaction: 0.6, AvgLatencyMS: 9000,
			},
			wantRun:     true,
			wantReasons: []string{ReasonDrift, ReasonSatisfaction, ReasonLatency},
		},
		{
			name:  "quiet window never fires performance triggers",
			score: drift.Score{Reason: drift.ReasonInsufficientData},
			summary: metrics.Summary{
				Count: 5, RatedCount: 1, AvgSatisfaction: 0.1, AvgLatencyMS: 20000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStateStore()
			runner := &fakeRunner{}
			c := newTestController(t, store, runner, nil)

			c.Evaluate(context.Background(), tt.score, tt.summary)
			c.Wait()

			if got := runner.count() == 1; got != tt.wantRun {
				t.Fatalf("runner invoked = %v, want %v", got, tt.wantRun)
			}
			if tt.wantRun {
				state, _ := store.Get(context.Background())
				want := strings.Join(tt.wantReasons, ",")
				if state.LastReason != want {
					t.Errorf("recorded reason = %q, want %q", state.LastReason, want)
				}
			}
		})
	}
}
