package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone names resolve without a system tz database

	"github.com/linnemanlabs/herald/internal/alert"
)

// Config holds the herald service configuration. Fields are bound to flags
// by RegisterFlags and filled from HERALD_* environment variables.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	GatewayToken string
	WebhookToken string

	EnabledChannels string
	RouteCritical   string
	RouteWarning    string
	RouteInfo       string
	RoutesFile      string
	DefaultSource   string

	DedupeWindowMS   int
	DedupeMaxEntries int
	RetryScheduleMS  string
	SendTimeoutSec   int
	ParallelChannels bool
	Timezone         string

	TelegramBotToken  string
	TelegramChatID    string
	TelegramAPIBase   string
	WeComWebhookURL   string
	ServerChanSendKey string
	ServerChanAPIBase string
	SlackWebhookURL   string

	SidecarURL         string
	SidecarBearerToken string
	SidecarTimeoutSec  int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.GatewayToken, "gateway-token", "", "bearer token required by the ingest endpoints")
	fs.StringVar(&c.WebhookToken, "webhook-token", "", "bearer token required by the alertmanager dispatch webhook")

	fs.StringVar(&c.EnabledChannels, "enabled-channels", "tg,wecom,serverchan", "comma-separated global channel allow-list")
	fs.StringVar(&c.RouteCritical, "route-critical", "tg,wecom", "channels for critical alerts")
	fs.StringVar(&c.RouteWarning, "route-warning", "tg,wecom", "channels for warning alerts")
	fs.StringVar(&c.RouteInfo, "route-info", "tg,wecom", "channels for info alerts")
	fs.StringVar(&c.RoutesFile, "routes-file", "", "optional YAML file with severity and per-source routes")
	fs.StringVar(&c.DefaultSource, "default-source", "herald", "source assumed for events and alerts without one")

	fs.IntVar(&c.DedupeWindowMS, "dedupe-window-ms", 45000, "milliseconds a delivered notification suppresses duplicates")
	fs.IntVar(&c.DedupeMaxEntries, "dedupe-max-entries", 10000, "soft cap on tracked dedupe keys")
	fs.StringVar(&c.RetryScheduleMS, "retry-schedule-ms", "1000,2000,4000", "comma-separated retry delays in milliseconds")
	fs.IntVar(&c.SendTimeoutSec, "send-timeout-seconds", 10, "per-attempt channel send timeout (1..120)")
	fs.BoolVar(&c.ParallelChannels, "parallel-channels", false, "send the channels of one alert concurrently")
	fs.StringVar(&c.Timezone, "timezone", "UTC", "IANA zone used to render timestamps in messages")

	fs.StringVar(&c.TelegramBotToken, "tg-bot-token", "", "Telegram bot token")
	fs.StringVar(&c.TelegramChatID, "tg-chat-id", "", "Telegram chat id")
	fs.StringVar(&c.TelegramAPIBase, "tg-api-base", "https://api.telegram.org", "Telegram Bot API base URL")
	fs.StringVar(&c.WeComWebhookURL, "wecom-webhook-url", "", "WeCom group robot webhook URL")
	fs.StringVar(&c.ServerChanSendKey, "serverchan-sendkey", "", "ServerChan send key")
	fs.StringVar(&c.ServerChanAPIBase, "serverchan-api-base", "https://sctapi.ftqq.com", "ServerChan API base URL")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL")

	fs.StringVar(&c.SidecarURL, "sidecar-url", "", "Alertmanager base URL ingested alerts are forwarded to (empty = dispatch locally)")
	fs.StringVar(&c.SidecarBearerToken, "sidecar-bearer-token", "", "bearer token sent to the sidecar")
	fs.IntVar(&c.SidecarTimeoutSec, "sidecar-timeout-seconds", 10, "timeout for one sidecar push (1..120)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if strings.TrimSpace(c.GatewayToken) == "" {
		errs = append(errs, errors.New("GATEWAY_TOKEN is required"))
	}
	if strings.TrimSpace(c.WebhookToken) == "" {
		errs = append(errs, errors.New("WEBHOOK_TOKEN is required"))
	}

	if len(c.Channels()) == 0 {
		errs = append(errs, fmt.Errorf("ENABLED_CHANNELS %q names no known channel", c.EnabledChannels))
	}

	if c.DedupeWindowMS <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUPE_WINDOW_MS %d (must be > 0)", c.DedupeWindowMS))
	}
	if c.DedupeMaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUPE_MAX_ENTRIES %d (must be > 0)", c.DedupeMaxEntries))
	}
	if _, err := c.RetrySchedule(); err != nil {
		errs = append(errs, err)
	}
	if c.SendTimeoutSec <= 0 || c.SendTimeoutSec > 120 {
		errs = append(errs, fmt.Errorf("invalid SEND_TIMEOUT_SECONDS %d (must be 1..120)", c.SendTimeoutSec))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.SidecarURL != "" {
		u, err := url.Parse(c.SidecarURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid SIDECAR_URL %q (must be an http(s) URL)", c.SidecarURL))
		}
		if c.SidecarTimeoutSec <= 0 || c.SidecarTimeoutSec > 120 {
			errs = append(errs, fmt.Errorf("invalid SIDECAR_TIMEOUT_SECONDS %d (must be 1..120)", c.SidecarTimeoutSec))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Channels returns the enabled channels, unknown names dropped.
func (c *Config) Channels() []alert.ChannelID {
	return alert.ParseChannelList(c.EnabledChannels)
}

// SeverityRoutes returns the per-severity channel lists from the
// ROUTE_* settings.
func (c *Config) SeverityRoutes() map[alert.Severity][]alert.ChannelID {
	return map[alert.Severity][]alert.ChannelID{
		alert.SeverityCritical: alert.ParseChannelList(c.RouteCritical),
		alert.SeverityWarning:  alert.ParseChannelList(c.RouteWarning),
		alert.SeverityInfo:     alert.ParseChannelList(c.RouteInfo),
	}
}

// DedupeWindow returns the dedupe window as a duration.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowMS) * time.Millisecond
}

// SendTimeout returns the per-attempt channel timeout.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

// SidecarTimeout returns the timeout for one sidecar push.
func (c *Config) SidecarTimeout() time.Duration {
	return time.Duration(c.SidecarTimeoutSec) * time.Second
}

// RetrySchedule parses RetryScheduleMS. Every entry must be a positive
// integer; an empty value yields the 1s, 2s, 4s default.
func (c *Config) RetrySchedule() ([]time.Duration, error) {
	items := alert.SplitCSV(c.RetryScheduleMS)
	if len(items) == 0 {
		return []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, nil
	}
	out := make([]time.Duration, 0, len(items))
	for _, item := range items {
		ms, err := strconv.Atoi(item)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid RETRY_SCHEDULE_MS entry %q (must be a positive integer)", item)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}
