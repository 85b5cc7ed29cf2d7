package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// moneyFields are rendered as won amounts.
var moneyFields = map[string]bool{
	"price":       true,
	"entry_price": true,
	"exit_price":  true,
	"pnl":         true,
}

func sortedFields(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fieldValue(key, value string) string {
	if moneyFields[key] {
		return formatKRW(value)
	}
	return value
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vi-trader/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts events as JSON to a URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a new WebhookChannel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the channel.
func (w *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts the event.
func (w *WebhookChannel) Send(ctx context.Context, ev Event) error {
	return postJSON(ctx, w.client, w.url, map[string]any{
		"kind":      ev.Kind,
		"level":     ev.Level.String(),
		"symbol":    ev.Symbol,
		"title":     ev.Title,
		"message":   ev.Message,
		"fields":    ev.Fields,
		"timestamp": ev.Time.Format(time.RFC3339),
	})
}

// TelegramChannel sends events via a Telegram bot.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramChannel creates a new TelegramChannel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the channel.
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Send sends the event as an HTML message.
func (t *TelegramChannel) Send(ctx context.Context, ev Event) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>%s</b>", escapeHTML(ev.Title))
	if ev.Message != "" {
		fmt.Fprintf(&sb, "\n\n%s", escapeHTML(ev.Message))
	}
	for _, k := range sortedFields(ev.Fields) {
		fmt.Fprintf(&sb, "\n%s: %s", escapeHTML(k), escapeHTML(fieldValue(k, ev.Fields[k])))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	return postJSON(ctx, t.client, url, map[string]any{
		"chat_id":    t.chatID,
		"text":       sb.String(),
		"parse_mode": "HTML",
	})
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// Discord embed colors by level.
const (
	discordBlue   = 0x3498DB
	discordOrange = 0xF39C12
	discordRed    = 0xE74C3C
)

// DiscordChannel posts events as Discord webhook embeds.
type DiscordChannel struct {
	url      string
	username string
	client   *http.Client
}

// NewDiscordChannel creates a new DiscordChannel.
func NewDiscordChannel(webhookURL, username string) *DiscordChannel {
	if username == "" {
		username = "VI Monitor"
	}
	return &DiscordChannel{
		url:      webhookURL,
		username: username,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the channel.
func (d *DiscordChannel) Name() string {
	return "discord"
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts the event as a single embed.
func (d *DiscordChannel) Send(ctx context.Context, ev Event) error {
	embed := discordEmbed{
		Title:       ev.Title,
		Description: ev.Message,
		Color:       discordColor(ev.Level),
		Timestamp:   ev.Time.UTC().Format(time.RFC3339),
	}
	if ev.Symbol != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "symbol", Value: ev.Symbol, Inline: true})
	}
	for _, k := range sortedFields(ev.Fields) {
		embed.Fields = append(embed.Fields, discordField{Name: k, Value: fieldValue(k, ev.Fields[k]), Inline: true})
	}

	return postJSON(ctx, d.client, d.url, discordPayload{
		Username: d.username,
		Embeds:   []discordEmbed{embed},
	})
}

func discordColor(l Level) int {
	switch l {
	case LevelCritical:
		return discordRed
	case LevelWarning:
		return discordOrange
	default:
		return discordBlue
	}
}
