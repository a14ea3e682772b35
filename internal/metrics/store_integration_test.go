package metrics_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/propbot/propbot/internal/log"
	"github.com/propbot/propbot/internal/metrics"
	"github.com/propbot/propbot/internal/testutil"
)

func TestStore_RecordAndWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	store, err := metrics.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	for i := range 10 {
		err := store.Record(ctx, metrics.Record{
			RecordedAt:     base.Add(time.Duration(i) * time.Minute),
			ConversationID: uuid.New(),
			QueryChars:     20 + i,
			LatencyMS:      int64(100 + i*10),
			RetrievedCount: 5,
			Similarity:     0.8,
			Success:        true,
		})
		if err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
	}

	// Window must return exactly the subset in range, ascending.
	got, err := store.Window(ctx, base.Add(2*time.Minute), base.Add(7*time.Minute))
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Window() returned %d records, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].RecordedAt.Before(got[i-1].RecordedAt) {
			t.Errorf("Window() out of order at %d: %v before %v",
				i, got[i].RecordedAt, got[i-1].RecordedAt)
		}
	}
	if got[0].QueryChars != 22 {
		t.Errorf("first record QueryChars = %d, want 22", got[0].QueryChars)
	}
}

func TestStore_WindowSafeUnderConcurrentWrites(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	store, err := metrics.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	since := time.Now().Add(-time.Minute)
	const writers, perWriter = 4, 25

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				_ = store.Record(ctx, metrics.Record{
					ConversationID: uuid.New(),
					LatencyMS:      50,
					Success:        true,
				})
			}
		}()
	}

	// Reads interleaved with writes must see a consistent ascending prefix.
	for range 10 {
		got, err := store.Window(ctx, since, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("Window() during writes error = %v", err)
		}
		for i := 1; i < len(got); i++ {
			if got[i].RecordedAt.Before(got[i-1].RecordedAt) {
				t.Fatalf("Window() out of order during concurrent writes")
			}
		}
	}
	wg.Wait()

	got, err := store.Window(ctx, since, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if len(got) != writers*perWriter {
		t.Errorf("Window() returned %d records after all writes, want %d (no lost or duplicated writes)",
			len(got), writers*perWriter)
	}
}

func TestStore_Aggregate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	store, err := metrics.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	now := time.Now()
	rate := func(v float64) *float64 { return &v }
	records := []metrics.Record{
		{ConversationID: uuid.New(), LatencyMS: 100, RetrievedCount: 4, Similarity: 0.9, Success: true, Satisfaction: rate(1.0)},
		{ConversationID: uuid.New(), LatencyMS: 200, RetrievedCount: 6, Similarity: 0.7, Success: true},
		{ConversationID: uuid.New(), LatencyMS: 300, RetrievedCount: 2, Similarity: 0.5, Success: false, Satisfaction: rate(0.5)},
	}
	for i, rec := range records {
		rec.RecordedAt = now.Add(time.Duration(i) * time.Second)
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
	}

	sum, err := store.Aggregate(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if sum.Count != 3 {
		t.Errorf("Count = %d, want 3", sum.Count)
	}
	if diff := sum.AvgLatencyMS - 200; diff < -0.01 || diff > 0.01 {
		t.Errorf("AvgLatencyMS = %v, want 200", sum.AvgLatencyMS)
	}
	if diff := sum.SuccessRate - 2.0/3.0; diff < -0.01 || diff > 0.01 {
		t.Errorf("SuccessRate = %v, want 2/3", sum.SuccessRate)
	}
	if sum.RatedCount != 2 {
		t.Errorf("RatedCount = %d, want 2", sum.RatedCount)
	}
	if diff := sum.AvgSatisfaction - 0.75; diff < -0.01 || diff > 0.01 {
		t.Errorf("AvgSatisfaction = %v, want 0.75 (rated records only)", sum.AvgSatisfaction)
	}
}

func TestStore_AggregateEmptyWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)

	store, err := metrics.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	sum, err := store.Aggregate(context.Background(),
		time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Aggregate() on empty window error = %v", err)
	}
	if sum.Count != 0 {
		t.Errorf("Count = %d, want 0", sum.Count)
	}
}
