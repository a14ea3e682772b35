// Package cmd provides the propbot CLI commands.
//
// Commands:
//   - serve: HTTP API server (chat + monitoring endpoints)
//   - retrain: run one retraining cycle from the command line
//
// All commands install signal handling and shut down via context
// cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
)

// Execute is the main entry point for the propbot CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "retrain":
		return runRetrain()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("propbot - property chatbot with drift-aware retraining")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  propbot serve [addr]  Start HTTP API server (default: 127.0.0.1:3400)")
	fmt.Println("  propbot retrain       Run one retraining cycle and exit")
	fmt.Println("  propbot migrate       Apply schema migrations and exit")
	fmt.Println("  propbot --version     Show version information")
	fmt.Println("  propbot --help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY        Required: Gemini API key")
	fmt.Println("  DATABASE_URL          Optional: PostgreSQL URL (overrides config file)")
	fmt.Println("  PROPBOT_WEBHOOK_URL   Optional: Slack-compatible alert webhook")
	fmt.Println("  DEBUG                 Optional: Enable debug logging")
}
