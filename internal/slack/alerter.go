package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Alerter posts operator alerts to a Slack channel via chat.postMessage.
// Each alert kind rate-limits independently to at most one message per 30
// seconds, so a dead-letter storm cannot drown out a commit anomaly.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu          sync.Mutex
	lastDLQ     time.Time
	lastAnomaly time.Time
}

const alertInterval = 30 * time.Second

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// dlqAlert is the payload the queue publishes alongside each dead-lettered
// task.
type dlqAlert struct {
	Subject     string `json:"subject"`
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
}

// PostDLQAlert sends a Block Kit message for a dead-lettered flush task.
func (a *Alerter) PostDLQAlert(ctx context.Context, subject string, alert []byte) error {
	a.mu.Lock()
	if time.Since(a.lastDLQ) < alertInterval {
		a.mu.Unlock()
		return nil
	}
	a.lastDLQ = time.Now()
	a.mu.Unlock()

	var dlq dlqAlert
	_ = json.Unmarshal(alert, &dlq)

	if dlq.Subject == "" {
		dlq.Subject = subject
	}
	reason := dlq.Reason
	if reason == "" {
		reason = "unknown"
	}
	replay := "no, manual review required"
	if dlq.Recoverable {
		replay = "yes, scanner will replay"
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Dead Letter Alert",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:*\n%s", dlq.Subject)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:*\n%s", reason)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Replayable:*\n%s", replay)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	if err := a.postMessage(ctx, fmt.Sprintf("DLQ alert: %s — %s", dlq.Subject, reason), blocks); err != nil {
		return err
	}
	slog.Info("DLQ alert posted to Slack", "channel", a.channel, "subject", dlq.Subject)
	return nil
}

// PostCommitAnomaly sends a Block Kit message for a conversation whose turn
// hit external providers but could not be committed. These need manual
// reconciliation.
func (a *Alerter) PostCommitAnomaly(ctx context.Context, channelKey, conversationID, reason string) error {
	a.mu.Lock()
	if time.Since(a.lastAnomaly) < alertInterval {
		a.mu.Unlock()
		return nil
	}
	a.lastAnomaly = time.Now()
	a.mu.Unlock()

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Commit Anomaly",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Conversation:*\n%s", conversationID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Channel:*\n%s", channelKey)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:*\n%s", reason)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": "The AI reply was generated and delivered but the conversation record did not commit. Reconcile by hand."},
			},
		},
	}

	if err := a.postMessage(ctx, fmt.Sprintf("Commit anomaly: %s — %s", conversationID, reason), blocks); err != nil {
		return err
	}
	slog.Info("commit anomaly posted to Slack", "channel", a.channel, "conversation_id", conversationID)
	return nil
}

func (a *Alerter) postMessage(ctx context.Context, text string, blocks []map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
