package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier sends attention alerts via webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends an attention alert to the webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, msg AttentionMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	content := formatAttentionMessage(msg)
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("webhook notifier: non-2xx")
	}
	return nil
}

func formatAttentionMessage(msg AttentionMessage) string {
	var b strings.Builder
	b.WriteString("[Leneda Bridge] Series needs attention\n")
	if msg.SeriesID != "" {
		fmt.Fprintf(&b, "Series: %s\n", msg.SeriesID)
	}
	if msg.MeteringPoint != "" {
		fmt.Fprintf(&b, "Metering point: %s\n", msg.MeteringPoint)
	}
	if msg.OBISCode != "" {
		fmt.Fprintf(&b, "OBIS: %s\n", msg.OBISCode)
	}
	if msg.Kind != "" {
		fmt.Fprintf(&b, "Kind: %s\n", msg.Kind)
	}
	if msg.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", msg.Reason)
	}
	if msg.Watermark != "" {
		fmt.Fprintf(&b, "Watermark: %s\n", msg.Watermark)
	}
	if len(msg.Meta) > 0 {
		if raw, err := json.Marshal(msg.Meta); err == nil {
			fmt.Fprintf(&b, "Meta: %s\n", raw)
		}
	}
	return strings.TrimSpace(b.String())
}
