// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// Transport kinds accepted by TransportConfig.
const (
	TransportLog     = "log"
	TransportCommand = "command"
	TransportWebhook = "webhook"
)

// TransportConfig selects and configures the delivery transport.
type TransportConfig struct {
	// Kind is one of "log", "command" or "webhook". Default: "log".
	Kind string `yaml:"transport"`

	// Command is the executable used by the command transport. It is invoked
	// as: <command> <args...> <agent> <instruction>.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// WebhookURL must be https, or http on localhost.
	WebhookURL string `yaml:"webhook-url"`

	// WebhookSecret signs the payload when set.
	WebhookSecret string `yaml:"webhook-secret"`
}

// NewTransport builds the transport described by cfg.
func NewTransport(cfg TransportConfig) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", TransportLog:
		return NewLogTransport(), nil
	case TransportCommand:
		return NewCommandTransport(cfg.Command, cfg.Args...)
	case TransportWebhook:
		return NewWebhookTransport(cfg.WebhookURL, cfg.WebhookSecret)
	default:
		return nil, fmt.Errorf("unknown dispatch transport %q", cfg.Kind)
	}
}

// LogTransport writes the instruction to the process log.
type LogTransport struct {
	logger *log.Logger
}

// NewLogTransport creates a transport writing to the standard logger.
func NewLogTransport() *LogTransport {
	return &LogTransport{logger: log.StandardLogger()}
}

// Name implements Transport.
func (t *LogTransport) Name() string { return TransportLog }

// Deliver implements Transport.
func (t *LogTransport) Deliver(_ context.Context, d Delivery) error {
	t.logger.WithFields(log.Fields{
		"agent":       d.Agent,
		"fingerprint": d.Fingerprint.Short(8),
		"count":       d.Count,
	}).Warnf("error loop detected, stop instruction:\n%s", d.Instruction)
	return nil
}

// CommandTransport hands the instruction to an external command, typically
// the script that types messages into the agent's terminal session.
type CommandTransport struct {
	path string
	args []string
}

// NewCommandTransport creates a command transport.
func NewCommandTransport(path string, args ...string) (*CommandTransport, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("missing dispatch command")
	}
	return &CommandTransport{path: path, args: args}, nil
}

// Name implements Transport.
func (t *CommandTransport) Name() string { return TransportCommand }

// Deliver implements Transport.
func (t *CommandTransport) Deliver(ctx context.Context, d Delivery) error {
	args := make([]string, 0, len(t.args)+2)
	args = append(args, t.args...)
	args = append(args, d.Agent, d.Instruction)

	cmd := exec.CommandContext(ctx, t.path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("command %s failed: %w, output: %s", t.path, err, truncateOutput(out))
	}
	return nil
}

func truncateOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

// WebhookTransport posts the intervention as JSON.
type WebhookTransport struct {
	url     string
	secret  string
	client  *http.Client
	backoff []time.Duration
}

// NewWebhookTransport creates a webhook transport. Deliveries are retried
// three times (1s, 2s, 4s).
func NewWebhookTransport(url, secret string) (*WebhookTransport, error) {
	if url == "" {
		return nil, fmt.Errorf("missing webhook url")
	}
	if !strings.HasPrefix(url, "https://") &&
		!strings.HasPrefix(url, "http://localhost") &&
		!strings.HasPrefix(url, "http://127.0.0.1") {
		return nil, fmt.Errorf("insecure webhook url (must be https or localhost): %s", url)
	}
	return &WebhookTransport{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 5 * time.Second},
		backoff: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}, nil
}

// SetBackoff replaces the retry schedule.
func (t *WebhookTransport) SetBackoff(backoff ...time.Duration) {
	t.backoff = backoff
}

// Name implements Transport.
func (t *WebhookTransport) Name() string { return TransportWebhook }

type webhookPayload struct {
	Event          string    `json:"event"`
	Timestamp      time.Time `json:"timestamp"`
	InterventionID string    `json:"intervention_id"`
	Agent          string    `json:"agent"`
	Fingerprint    string    `json:"fingerprint"`
	Count          int       `json:"count"`
	Threshold      int       `json:"threshold"`
	WindowSeconds  float64   `json:"window_seconds"`
	Message        string    `json:"message"`
	Instruction    string    `json:"instruction"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver implements Transport.
func (t *WebhookTransport) Deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(webhookPayload{
		Event:          "loop_detected",
		Timestamp:      d.DetectedAt,
		InterventionID: d.ID,
		Agent:          d.Agent,
		Fingerprint:    string(d.Fingerprint),
		Count:          d.Count,
		Threshold:      d.Threshold,
		WindowSeconds:  d.Window.Seconds(),
		Message:        d.Message,
		Instruction:    d.Instruction,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i <= len(t.backoff); i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook cancelled after %d attempts: %w", i, ctx.Err())
			case <-time.After(t.backoff[i-1]):
			}
		}

		lastErr = t.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		log.Warnf("webhook attempt %d failed: %v", i+1, lastErr)
	}
	return fmt.Errorf("webhook failed after retries: %w", lastErr)
}

func (t *WebhookTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "loopguard/1.0")
	if t.secret != "" {
		req.Header.Set("X-Loopguard-Signature", Sign(t.secret, body))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
