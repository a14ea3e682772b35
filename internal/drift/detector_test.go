package drift

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/log"
	"github.com/propbot/propbot/internal/metrics"
)

// fakeSource serves a fixed window regardless of bounds.
type fakeSource struct {
	records []metrics.Record
	err     error
}

func (s *fakeSource) Window(_ context.Context, _, _ time.Time) ([]metrics.Record, error) {
	return s.records, s.err
}

// fakeStorage keeps scores and the reference in memory.
type fakeStorage struct {
	ref     *Reference
	scores  []Score
	saveErr error
}

func (s *fakeStorage) SaveScore(_ context.Context, score *Score) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	score.ID = int64(len(s.scores) + 1)
	s.scores = append(s.scores, *score)
	return nil
}

func (s *fakeStorage) LatestScore(_ context.Context) (Score, error) {
	if len(s.scores) == 0 {
		return Score{}, errors.New("no scores")
	}
	return s.scores[len(s.scores)-1], nil
}

func (s *fakeStorage) ActiveReference(_ context.Context) (*Reference, error) {
	if s.ref == nil {
		return nil, ErrNoReference
	}
	return s.ref, nil
}

func (s *fakeStorage) ReplaceReference(_ context.Context, ref *Reference) error {
	ref.ID = 1
	s.ref = ref
	return nil
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		DriftThreshold: 0.1,
		Window:         time.Hour,
		MinSamples:     50,
		HistogramBins:  10,
		DetectInterval: time.Minute,
	}
}

func TestDetector_DetectNow(t *testing.T) {
	window := spreadRecords(100, 50, 950)
	ref, err := BuildReference(window, 10, 50, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("BuildReference() error = %v", err)
	}

	storage := &fakeStorage{ref: ref}
	var notified []Score
	det, err := NewDetector(&fakeSource{records: window}, storage, testMonitoringConfig(),
		func(_ context.Context, s Score) { notified = append(notified, s) },
		log.NewNop())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	score, err := det.DetectNow(context.Background())
	if err != nil {
		t.Fatalf("DetectNow() error = %v", err)
	}
	if score.Exceeded {
		t.Error("Exceeded = true for window matching the reference")
	}
	if len(storage.scores) != 1 {
		t.Fatalf("persisted %d scores, want 1", len(storage.scores))
	}
	if len(notified) != 1 {
		t.Fatalf("onScore called %d times, want 1", len(notified))
	}
	if notified[0].Reason != score.Reason {
		t.Errorf("onScore received reason %q, want %q", notified[0].Reason, score.Reason)
	}
}

func TestDetector_DetectNowWithoutReference(t *testing.T) {
	det, err := NewDetector(&fakeSource{}, &fakeStorage{}, testMonitoringConfig(), nil, log.NewNop())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	if _, err := det.DetectNow(context.Background()); !errors.Is(err, ErrNoReference) {
		t.Errorf("DetectNow() error = %v, want ErrNoReference", err)
	}
}

func TestDetector_DetectNowSurvivesSaveFailure(t *testing.T) {
	window := spreadRecords(100, 50, 950)
	ref, err := BuildReference(window, 10, 50, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("BuildReference() error = %v", err)
	}

	storage := &fakeStorage{ref: ref, saveErr: errors.New("db down")}
	notified := 0
	det, err := NewDetector(&fakeSource{records: window}, storage, testMonitoringConfig(),
		func(context.Context, Score) { notified++ }, log.NewNop())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	// A persistence failure must not stop the trigger from seeing the score.
	if _, err := det.DetectNow(context.Background()); err != nil {
		t.Fatalf("DetectNow() error = %v, want nil despite save failure", err)
	}
	if notified != 1 {
		t.Errorf("onScore called %d times, want 1", notified)
	}
}

func TestDetector_Recalibrate(t *testing.T) {
	storage := &fakeStorage{}
	det, err := NewDetector(&fakeSource{records: spreadRecords(80, 100, 900)}, storage,
		testMonitoringConfig(), nil, log.NewNop())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	since, until := time.Now().Add(-time.Hour), time.Now()
	ref, err := det.Recalibrate(context.Background(), since, until)
	if err != nil {
		t.Fatalf("Recalibrate() error = %v", err)
	}
	if storage.ref == nil || storage.ref.ID != ref.ID {
		t.Error("Recalibrate() did not install the new reference")
	}
	if ref.SampleCount != 80 {
		t.Errorf("SampleCount = %d, want 80", ref.SampleCount)
	}

	// Detection works immediately after the first recalibration.
	if _, err := det.DetectNow(context.Background()); err != nil {
		t.Errorf("DetectNow() after recalibration error = %v", err)
	}
}

func TestDetector_RecalibrateInsufficientData(t *testing.T) {
	det, err := NewDetector(&fakeSource{records: recordsWithChars(100, 200)}, &fakeStorage{},
		testMonitoringConfig(), nil, log.NewNop())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	_, err = det.Recalibrate(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Recalibrate() error = %v, want ErrInsufficientData", err)
	}
}

func TestDetector_RunStopsOnCancel(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.DetectInterval = 5 * time.Millisecond

	det, err := NewDetector(&fakeSource{}, &fakeStorage{}, cfg, nil, log.NewNop())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		det.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after context cancellation")
	}
}
