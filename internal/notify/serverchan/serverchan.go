// Package serverchan sends notifications through ServerChan (sct.ftqq.com).
package serverchan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/notify"
)

// DefaultAPIBase is the public ServerChan Turbo endpoint.
const DefaultAPIBase = "https://sctapi.ftqq.com"

// Sender posts form messages to {APIBase}/{sendkey}.send.
type Sender struct {
	sendKey string
	apiBase string
	client  *http.Client
}

var _ notify.Sender = (*Sender)(nil)

// New creates a ServerChan sender. An empty sendKey makes every Send report
// notify.ErrNotConfigured.
func New(sendKey, apiBase string, client *http.Client) *Sender {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if client == nil {
		client = notify.NewHTTPClient(0)
	}
	return &Sender{
		sendKey: sendKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  client,
	}
}

// Channel implements notify.Sender.
func (s *Sender) Channel() alert.ChannelID { return alert.ChannelServerChan }

type apiResponse struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

// Send implements notify.Sender. A 200 with a non-zero code is a failure.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	if s.sendKey == "" {
		return fmt.Errorf("serverchan: %w: send key is required", notify.ErrNotConfigured)
	}

	target := s.apiBase + "/" + url.PathEscape(s.sendKey) + ".send"
	form := url.Values{}
	form.Set("title", msg.Title)
	form.Set("desp", msg.Body)

	_, body, err := notify.PostForm(ctx, s.client, target, form)
	if err != nil {
		return fmt.Errorf("serverchan: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("serverchan: %w: decode response: %v", notify.ErrAPI, err)
	}
	if resp.Code == nil {
		return fmt.Errorf("serverchan: %w: response has no code", notify.ErrAPI)
	}
	if *resp.Code != 0 {
		return fmt.Errorf("serverchan: %w: code %d: %s", notify.ErrAPI, *resp.Code, resp.Message)
	}
	return nil
}
