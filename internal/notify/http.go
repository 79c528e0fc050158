package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single outbound call when none is configured.
const DefaultTimeout = 10 * time.Second

const maxResponseBody = 64 << 10

// NewHTTPClient returns a client with a per-call timeout and a traced transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// PostJSON marshals payload and posts it to target.
func PostJSON(ctx context.Context, client *http.Client, target string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal payload: %w", err)
	}
	return Post(ctx, client, target, "application/json", bytes.NewReader(body))
}

// PostForm posts url-encoded form values to target.
func PostForm(ctx context.Context, client *http.Client, target string, form url.Values) (int, []byte, error) {
	return Post(ctx, client, target, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

// Post sends body to target and returns the status code and a bounded copy of
// the response body. A non-2xx status is an error. Transport errors are
// returned with the target redacted, since channel URLs embed credentials.
func Post(ctx context.Context, client *http.Client, target, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request for %s: %w", RedactURL(target), unwrapURLError(err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req) //nolint:gosec // target comes from trusted config
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", RedactURL(target), unwrapURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, fmt.Errorf("post %s: status %d: %s",
			RedactURL(target), resp.StatusCode, snippet(respBody))
	}
	return resp.StatusCode, respBody, nil
}

// RedactURL reduces a channel URL to scheme and host. Bot tokens and send
// keys live in the path or the query, so both are masked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		u.RawQuery = q.Encode()
	}
	if u.Path != "" && u.Path != "/" {
		u.Path = "/REDACTED"
		u.RawPath = ""
	}
	return u.String()
}

// url.Error repeats the unredacted URL in its message.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
