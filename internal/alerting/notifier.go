package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers a rendered alert. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram sink.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage. A non-empty msg.Destination overrides the chat id.
func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	chatID := n.chatID
	if msg.Destination != "" {
		chatID = msg.Destination
	}
	payload := map[string]string{
		"chat_id":    chatID,
		"text":       telegramHTML(msg.Text()),
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("tier", msg.Tier.String()).Time("event_time", msg.Timestamp).Msg("alert sent (Telegram)")
	return nil
}

// telegramHTML escapes text for Telegram's HTML parse mode and turns
// **bold** spans into <b> tags. An unpaired marker is kept literally.
func telegramHTML(text string) string {
	parts := strings.Split(html.EscapeString(text), "**")
	var b strings.Builder
	for i, part := range parts {
		if i > 0 {
			switch {
			case i == len(parts)-1 && i%2 == 1:
				b.WriteString("**")
			case i%2 == 1:
				b.WriteString("<b>")
			default:
				b.WriteString("</b>")
			}
		}
		b.WriteString(part)
	}
	return b.String()
}

// DiscordNotifier posts channel messages with a bot token.
type DiscordNotifier struct {
	botToken  string
	channelID string
	baseURL   string
	client    *http.Client
	logger    zerolog.Logger
}

// NewDiscordNotifier constructs a Discord sink.
func NewDiscordNotifier(botToken, channelID, baseURL string, timeout time.Duration, logger zerolog.Logger) *DiscordNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}

	return &DiscordNotifier{
		botToken:  botToken,
		channelID: channelID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "alert_discord").Logger(),
	}
}

type discordEmbed struct {
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordMessage struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

// Notify posts msg to the channel. A non-empty msg.Destination overrides the channel id.
func (n *DiscordNotifier) Notify(ctx context.Context, msg Message) error {
	channelID := n.channelID
	if msg.Destination != "" {
		channelID = msg.Destination
	}

	payload := discordMessage{Content: msg.Title}
	if msg.Body != "" {
		embed := discordEmbed{Description: msg.Body, Color: msg.Color}
		if !msg.Timestamp.IsZero() {
			embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
		}
		payload.Embeds = []discordEmbed{embed}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", n.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+n.botToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	n.logger.Info().Str("tier", msg.Tier.String()).Str("channel", channelID).Time("event_time", msg.Timestamp).Msg("alert sent (Discord)")
	return nil
}

// LogNotifier only writes alerts to the log. It backs dry runs.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-only sink.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs msg.
func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info().Str("tier", msg.Tier.String()).Str("title", msg.Title).Str("body", msg.Body).Msg("alert (log only)")
	return nil
}

// Multi fans a message out to every sink and joins their errors.
type Multi []Notifier

// Notify delivers to each sink in order; one failing sink does not stop the rest.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*DiscordNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
