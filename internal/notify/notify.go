// Package notify posts operational alerts to a Slack-compatible incoming
// webhook. A Notifier with no webhook URL is a no-op, so callers never need
// to branch on whether alerting is configured.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/trigger"
)

// requestTimeout bounds a single webhook delivery.
const requestTimeout = 10 * time.Second

// maxResponseBytes bounds how much of an error response we read back for logs.
const maxResponseBytes = 4 << 10

// payload is the Slack incoming-webhook message shape.
type payload struct {
	Text string `json:"text"`
}

// Notifier delivers alert messages over HTTP. Delivery failures are logged
// and swallowed; alerting must never take down the pipeline that raised it.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// New creates a Notifier. An empty webhookURL disables delivery.
func New(webhookURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

// DriftDetected reports a drift score that crossed the threshold.
func (n *Notifier) DriftDetected(ctx context.Context, score drift.Score) {
	n.post(ctx, fmt.Sprintf(
		":warning: Drift detected: divergence %.4f over %d samples (threshold %.4f)",
		score.Divergence, score.WindowSize, score.Threshold))
}

// RetrainEvent reports a trigger lifecycle event.
func (n *Notifier) RetrainEvent(ctx context.Context, ev trigger.Event) {
	var text string
	switch ev.Kind {
	case trigger.EventTriggered:
		text = fmt.Sprintf(":arrows_counterclockwise: Retraining triggered (%s), run %s", ev.Reason, ev.RunID)
	case trigger.EventStarted:
		text = fmt.Sprintf("Retraining run %s started", ev.RunID)
	case trigger.EventFinished:
		if ev.Err != nil {
			text = fmt.Sprintf(":x: Retraining run %s failed: %v", ev.RunID, ev.Err)
		} else if ev.Promoted {
			text = fmt.Sprintf(":white_check_mark: Retraining run %s promoted a new index generation", ev.RunID)
		} else {
			text = fmt.Sprintf("Retraining run %s finished without promotion (candidate did not beat baseline)", ev.RunID)
		}
	case trigger.EventCanceled:
		text = fmt.Sprintf("Retraining run %s canceled", ev.RunID)
	default:
		return
	}
	n.post(ctx, text)
}

// post delivers one message. Errors are logged, never returned.
func (n *Notifier) post(ctx context.Context, text string) {
	if !n.Enabled() {
		return
	}

	body, err := json.Marshal(payload{Text: text})
	if err != nil {
		n.logger.Error("encoding webhook payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("building webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error("delivering webhook", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		n.logger.Error("webhook rejected",
			"status", resp.StatusCode,
			"response", string(snippet))
		return
	}

	n.logger.Debug("webhook delivered", "bytes", len(body))
}
