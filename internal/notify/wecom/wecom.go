// Package wecom sends notifications to a WeCom (WeChat Work) group robot
// webhook.
package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/notify"
)

// Sender posts text messages to a robot webhook URL.
type Sender struct {
	webhookURL string
	client     *http.Client
}

var _ notify.Sender = (*Sender)(nil)

// New creates a WeCom sender. An empty webhookURL makes every Send report
// notify.ErrNotConfigured.
func New(webhookURL string, client *http.Client) *Sender {
	if client == nil {
		client = notify.NewHTTPClient(0)
	}
	return &Sender{webhookURL: webhookURL, client: client}
}

// Channel implements notify.Sender.
func (s *Sender) Channel() alert.ChannelID { return alert.ChannelWeCom }

type textMessage struct {
	MsgType string      `json:"msgtype"`
	Text    textContent `json:"text"`
}

type textContent struct {
	Content string `json:"content"`
}

type apiResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Send implements notify.Sender. The robot API always answers 200; errcode
// must be present and zero.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	if s.webhookURL == "" {
		return fmt.Errorf("wecom: %w: webhook url is required", notify.ErrNotConfigured)
	}

	_, body, err := notify.PostJSON(ctx, s.client, s.webhookURL, textMessage{
		MsgType: "text",
		Text:    textContent{Content: msg.Title + "\n" + msg.Body},
	})
	if err != nil {
		return fmt.Errorf("wecom: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("wecom: %w: decode response: %v", notify.ErrAPI, err)
	}
	if resp.ErrCode == nil {
		return fmt.Errorf("wecom: %w: response has no errcode", notify.ErrAPI)
	}
	if *resp.ErrCode != 0 {
		return fmt.Errorf("wecom: %w: errcode %d: %s", notify.ErrAPI, *resp.ErrCode, resp.ErrMsg)
	}
	return nil
}
