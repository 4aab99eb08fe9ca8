// Package webhook posts infection events to the operator console. Delivery
// is best-effort: a failed post is logged and the scan pipeline moves on.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	deliveryTimeout = 5 * time.Second
	eventPath       = "/api/webhooks/virus-scan"
)

// Event is the payload posted on an infected verdict.
type Event struct {
	TenantID  string `json:"tenant_id"`
	ClientIP  string `json:"client_ip"`
	VirusName string `json:"virus_name"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
}

// Notifier delivers infection events to the console API.
type Notifier struct {
	baseURL string
	client  *http.Client
}

// NewNotifier builds a notifier for the console at baseURL. An empty
// baseURL disables delivery.
func NewNotifier(baseURL string) *Notifier {
	return &Notifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: deliveryTimeout},
	}
}

// NotifyInfection posts the event. Failures never propagate.
func (n *Notifier) NotifyInfection(ctx context.Context, tenantID, clientIP, virusName, taskID string) {
	if n.baseURL == "" {
		return
	}
	ev := Event{
		TenantID:  tenantID,
		ClientIP:  clientIP,
		VirusName: virusName,
		TaskID:    taskID,
		Status:    "INFECTED",
	}
	if err := n.post(ctx, ev); err != nil {
		slog.Warn("webhook delivery failed", "task_id", taskID, "virus", virusName, "error", err)
		return
	}
	slog.Info("webhook delivered", "task_id", taskID, "virus", virusName)
}

func (n *Notifier) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+eventPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("console answered %s", resp.Status)
	}
	return nil
}
