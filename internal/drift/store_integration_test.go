package drift_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/log"
	"github.com/propbot/propbot/internal/testutil"
)

func testReference(sampleCount int64) *drift.Reference {
	return &drift.Reference{
		Feature:     drift.FeatureQueryShape,
		Edges:       []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5},
		Counts:      []int64{10, 20, 30, 20, 10},
		SampleCount: sampleCount,
		WindowStart: time.Now().Add(-2 * time.Hour),
		WindowEnd:   time.Now().Add(-time.Hour),
		BuiltAt:     time.Now(),
	}
}

func TestStore_ReferenceLifecycle(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	store, err := drift.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, err := store.ActiveReference(ctx); !errors.Is(err, drift.ErrNoReference) {
		t.Errorf("ActiveReference() before first build error = %v, want ErrNoReference", err)
	}

	first := testReference(90)
	if err := store.ReplaceReference(ctx, first); err != nil {
		t.Fatalf("ReplaceReference() error = %v", err)
	}
	if first.ID == 0 {
		t.Error("ReplaceReference() did not assign an ID")
	}

	second := testReference(120)
	if err := store.ReplaceReference(ctx, second); err != nil {
		t.Fatalf("ReplaceReference() second swap error = %v", err)
	}

	got, err := store.ActiveReference(ctx)
	if err != nil {
		t.Fatalf("ActiveReference() error = %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("active reference ID = %d, want %d (latest swap wins)", got.ID, second.ID)
	}
	if got.SampleCount != 120 {
		t.Errorf("SampleCount = %d, want 120", got.SampleCount)
	}
	if len(got.Edges) != 6 || len(got.Counts) != 5 {
		t.Errorf("round-tripped histogram shape = %d edges / %d counts, want 6/5",
			len(got.Edges), len(got.Counts))
	}
}

func TestStore_ScoreHistory(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	store, err := drift.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, err := store.LatestScore(ctx); err == nil {
		t.Error("LatestScore() on empty table should fail")
	}

	base := time.Now().Add(-time.Hour)
	for i := range 3 {
		score := drift.Score{
			ComputedAt: base.Add(time.Duration(i) * time.Minute),
			Divergence: float64(i) * 0.05,
			WindowSize: 100,
			Threshold:  0.1,
			Exceeded:   i == 2,
			Reason:     drift.ReasonWithinThreshold,
		}
		if i == 2 {
			score.Reason = drift.ReasonExceeded
		}
		if err := store.SaveScore(ctx, &score); err != nil {
			t.Fatalf("SaveScore(%d) error = %v", i, err)
		}
		if score.ID == 0 {
			t.Errorf("SaveScore(%d) did not assign an ID", i)
		}
	}

	latest, err := store.LatestScore(ctx)
	if err != nil {
		t.Fatalf("LatestScore() error = %v", err)
	}
	if !latest.Exceeded || latest.Reason != drift.ReasonExceeded {
		t.Errorf("LatestScore() = %+v, want the exceeded score", latest)
	}

	recent, err := store.RecentScores(ctx, 2)
	if err != nil {
		t.Fatalf("RecentScores() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentScores(2) returned %d scores", len(recent))
	}
	if recent[0].ComputedAt.Before(recent[1].ComputedAt) {
		t.Error("RecentScores() not ordered newest first")
	}
}
