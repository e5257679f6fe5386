package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content type: got=%s", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL)
	err := notifier.Notify(context.Background(), AttentionMessage{
		SeriesID:      "lu1_1-1:1.29.0_power",
		MeteringPoint: "LU0000010000000000000000000001",
		Reason:        "cumulative sum decreased",
		Watermark:     "2026-03-10T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	payload := <-payloadCh
	if payload.MsgType != "text" {
		t.Fatalf("msgtype: got=%s want=text", payload.MsgType)
	}
	content := payload.Text.Content
	for _, want := range []string{"needs attention", "lu1_1-1:1.29.0_power", "cumulative sum decreased", "2026-03-10T09:00:00Z"} {
		if !strings.Contains(content, want) {
			t.Fatalf("content missing %q:\n%s", want, content)
		}
	}
}

func TestWebhookNotifierNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL)
	if err := notifier.Notify(context.Background(), AttentionMessage{SeriesID: "s1"}); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

type recordingNotifier struct {
	calls int
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, _ AttentionMessage) error {
	n.calls++
	return n.err
}

func TestMultiNotifierNotifiesAll(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("channel down")}
	healthy := &recordingNotifier{}

	multi := NewMultiNotifier(failing, nil, healthy)
	err := multi.Notify(context.Background(), AttentionMessage{SeriesID: "s1"})
	if err == nil || err.Error() != "channel down" {
		t.Fatalf("expected first error back, got %v", err)
	}
	if failing.calls != 1 || healthy.calls != 1 {
		t.Fatalf("expected both notifiers called once, got %d and %d", failing.calls, healthy.calls)
	}
}
