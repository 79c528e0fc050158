package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/notify"
)

func testMessage() notify.Message {
	return notify.Message{
		Title:    "[CRITICAL][FIRING][db] HighMemoryUsage",
		Body:     "summary: Memory is high.\nlabels: host=db-1",
		Severity: alert.SeverityCritical,
		Status:   alert.StatusFiring,
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := New(srv.URL, srv.Client())
	if err := s.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, body, context = 4 blocks
	if len(blocks) != 4 {
		t.Errorf("blocks count = %d, want 4", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "HighMemoryUsage") {
		t.Errorf("header text = %q, want to contain HighMemoryUsage", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for critical severity")
	}
	if got["text"] != testMessage().Title {
		t.Errorf("fallback text = %v, want title", got["text"])
	}
}

func TestSend_NotConfiguredWithoutURL(t *testing.T) {
	t.Parallel()

	s := New("", nil)
	err := s.Send(context.Background(), testMessage())
	if !errors.Is(err, notify.ErrNotConfigured) {
		t.Fatalf("Send with empty URL = %v, want ErrNotConfigured", err)
	}
}

func TestSend_UnexpectedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("invalid_payload"))
	}))
	defer srv.Close()

	err := New(srv.URL, srv.Client()).Send(context.Background(), testMessage())
	if !errors.Is(err, notify.ErrAPI) {
		t.Fatalf("err = %v, want ErrAPI", err)
	}
	if !strings.Contains(err.Error(), "invalid_payload") {
		t.Errorf("error = %q, want response body included", err)
	}
}

func TestSend_TruncatesLongBody(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	msg := testMessage()
	msg.Body = strings.Repeat("x", 4000)
	if err := New(srv.URL, srv.Client()).Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	section := blocks[2].(map[string]any)
	text := section["text"].(map[string]any)["text"].(string)

	if n := len([]rune(text)); n > maxSectionLen {
		t.Errorf("section text length = %d, want <= %d", n, maxSectionLen)
	}
	if !strings.HasSuffix(text, "...\n```") {
		t.Error("expected truncated body to end with ... inside the code fence")
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   alert.Status
		severity alert.Severity
		want     string
	}{
		{"resolved", alert.StatusResolved, alert.SeverityCritical, "✅"},
		{"critical", alert.StatusFiring, alert.SeverityCritical, "\U0001f534"},
		{"warning", alert.StatusFiring, alert.SeverityWarning, "\U0001f7e1"},
		{"info", alert.StatusFiring, alert.SeverityInfo, "\U0001f7e2"},
		{"empty", alert.StatusFiring, "", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := severityEmoji(tt.status, tt.severity)
			if got != tt.want {
				t.Errorf("severityEmoji(%q, %q) = %q, want %q", tt.status, tt.severity, got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("HighCPU", "critical", "CPU is very high on node-1.")
	f.Add("", "", "")
	f.Add("<@U123> mention", "warning", "*bold* _italic_ ~strike~")
	f.Add("alert\x00\x01\x02", "sev\nline", "body\ttab")
	f.Add(strings.Repeat("A", 5000), "critical", strings.Repeat("x", 10000))
	f.Add("test", "info", "```code block``` and <http://example.com|link>")

	f.Fuzz(func(t *testing.T, title, severity, body string) {
		msg := notify.Message{
			Title:    title,
			Body:     body,
			Severity: alert.Severity(severity),
			Status:   alert.StatusFiring,
		}

		// Must not panic
		built := buildMessage(msg)

		data, err := json.Marshal(built)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 4 {
			t.Fatalf("blocks count = %d, want 4", len(blocks))
		}
	})
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL, srv.Client()).Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
	if errors.Is(err, notify.ErrAPI) {
		t.Error("transport status failure should not be classified as an api error")
	}
}
