package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/inktrace/inktrace/internal/config"
)

// SlackSender posts alerts to a Slack incoming webhook as one attachment
// coloured by risk level.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields"`
	Footer   string       `json:"footer,omitempty"`
	Ts       int64        `json:"ts"`
	Fallback string       `json:"fallback"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackSender) Send(alert Alert) error {
	d := digestFor(alert)
	fields := make([]slackField, 0, len(d.Fields))
	for _, f := range d.Fields {
		fields = append(fields, slackField{Title: f.Label, Value: f.Value, Short: f.Short})
	}
	msg := slackMessage{
		Channel: s.channel,
		Attachments: []slackAttachment{{
			Color:    riskColor(d.RiskLevel),
			Title:    "Inktrace " + d.Headline,
			Text:     d.Text,
			Fields:   fields,
			Footer:   alert.EventID,
			Ts:       alert.Timestamp.Unix(),
			Fallback: d.Headline,
		}},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
