// Package telegram sends notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/notify"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// Config holds the bot credentials. Both BotToken and ChatID are required.
type Config struct {
	BotToken string
	ChatID   string
	APIBase  string
}

// Sender posts messages with sendMessage.
type Sender struct {
	cfg    Config
	client *http.Client
}

var _ notify.Sender = (*Sender)(nil)

// New creates a Telegram sender. A nil client selects notify.NewHTTPClient
// with the default timeout.
func New(cfg Config, client *http.Client) *Sender {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if client == nil {
		client = notify.NewHTTPClient(0)
	}
	return &Sender{cfg: cfg, client: client}
}

// Channel implements notify.Sender.
func (s *Sender) Channel() alert.ChannelID { return alert.ChannelTelegram }

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Send implements notify.Sender. The Bot API answers 200 with ok=false for
// some rejections, so the ok field is checked as well as the status.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	if s.cfg.BotToken == "" || s.cfg.ChatID == "" {
		return fmt.Errorf("telegram: %w: bot token and chat id are required", notify.ErrNotConfigured)
	}

	target := s.cfg.APIBase + "/bot" + s.cfg.BotToken + "/sendMessage"
	_, body, err := notify.PostJSON(ctx, s.client, target, sendMessageRequest{
		ChatID:                s.cfg.ChatID,
		Text:                  msg.Title + "\n\n" + msg.Body,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("telegram: %w: decode response: %v", notify.ErrAPI, err)
	}
	if !resp.OK {
		return fmt.Errorf("telegram: %w: code %d: %s", notify.ErrAPI, resp.ErrorCode, resp.Description)
	}
	return nil
}
