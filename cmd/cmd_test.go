package cmd

import (
	"os"
	"testing"
)

func TestExecute_UnknownCommand(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	os.Args = []string{"propbot", "definitely-not-a-command"}
	if err := Execute(); err == nil {
		t.Fatal("Execute() accepted an unknown command")
	}
}

func TestExecute_HelpAndVersion(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	tests := []struct {
		name string
		args []string
	}{
		{"no args", []string{"propbot"}},
		{"help", []string{"propbot", "help"}},
		{"help flag", []string{"propbot", "--help"}},
		{"version", []string{"propbot", "version"}},
		{"version flag", []string{"propbot", "-v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			if err := Execute(); err != nil {
				t.Errorf("Execute() error = %v", err)
			}
		})
	}
}

func TestParseServeAddr(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"default", []string{"propbot", "serve"}, "127.0.0.1:3400", false},
		{"positional", []string{"propbot", "serve", ":8080"}, ":8080", false},
		{"flag", []string{"propbot", "serve", "--addr", ":9000"}, ":9000", false},
		{"single dash", []string{"propbot", "serve", "-addr", "localhost:9001"}, "localhost:9001", false},
		{"invalid", []string{"propbot", "serve", "no-port"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			got, err := parseServeAddr()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseServeAddr() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseServeAddr() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseServeAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}
