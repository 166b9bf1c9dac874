package alert

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/inktrace/inktrace/internal/config"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// secret is configured.
const SignatureHeader = "X-Inktrace-Signature"

// webhookPayload carries the raw alert for machines and the rendered digest
// for chat bridges that only forward text.
type webhookPayload struct {
	Source string `json:"source"`
	Alert  Alert  `json:"alert"`
	Digest digest `json:"digest"`
}

// WebhookSender posts alerts as JSON to an arbitrary endpoint.
type WebhookSender struct {
	url    string
	secret []byte
	client *http.Client
}

func NewWebhookSender(cfg config.WebhookAlertConfig) *WebhookSender {
	w := &WebhookSender{
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if cfg.Secret != "" {
		w.secret = []byte(cfg.Secret)
	}
	return w
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(alert Alert) error {
	body, err := json.Marshal(webhookPayload{Source: "inktrace", Alert: alert, Digest: digestFor(alert)})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Inktrace/1.0")
	if w.secret != nil {
		req.Header.Set(SignatureHeader, sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func sign(body, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
