package app

import (
	"context"
	"testing"

	"github.com/propbot/propbot/internal/log"
)

func TestSetup_NilConfig(t *testing.T) {
	if _, err := Setup(context.Background(), nil, log.NewNop()); err == nil {
		t.Fatal("Setup() accepted a nil config")
	}
}

func TestClose_ZeroValueApp(t *testing.T) {
	// Close must be safe on a partially constructed App; Setup relies on
	// this when unwinding a failed initialization.
	a := &App{}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
