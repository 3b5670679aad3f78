// Package notify sends detection alerts to a Telegram chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livecam/internal/ws"
)

// DefaultAPIURL is the Telegram Bot API endpoint
const DefaultAPIURL = "https://api.telegram.org"

// Config holds Telegram notifier configuration
type Config struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	BotToken string        `yaml:"bot_token" json:"-"`
	ChatID   string        `yaml:"chat_id" json:"chat_id"`
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"` // Minimum time between two alerts
	MinFaces int           `yaml:"min_faces" json:"min_faces"`
	APIURL   string        `yaml:"api_url" json:"api_url"`
}

// DefaultConfig returns a disabled notifier configuration
func DefaultConfig() Config {
	return Config{
		Cooldown: 30 * time.Second,
		MinFaces: 1,
		APIURL:   DefaultAPIURL,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if !c.Enabled {
		return nil
	}
	if c.BotToken == "" {
		return fmt.Errorf("bot token is required when enabled")
	}
	if c.ChatID == "" {
		return fmt.Errorf("chat ID is required when enabled")
	}
	return nil
}

// SnapshotSource returns the latest encoded frame of a stream
type SnapshotSource interface {
	Snapshot() []byte
}

// SnapshotFunc adapts a function to SnapshotSource
type SnapshotFunc func() []byte

// Snapshot calls f
func (f SnapshotFunc) Snapshot() []byte { return f() }

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// TelegramNotifier turns results with faces into photo alerts and status
// changes into text messages. Sends run in the background, one at a time;
// alerts that arrive while one is in flight are dropped.
type TelegramNotifier struct {
	cfg        Config
	snapshots  SnapshotSource
	httpClient *http.Client

	mu              sync.Mutex
	cooldownTracker map[string]time.Time
	lastStatus      string

	sending atomic.Bool
	wg      sync.WaitGroup
}

// NewTelegramNotifier creates a notifier. snapshots may be nil, in which case
// alerts are sent as text.
func NewTelegramNotifier(cfg Config, snapshots SnapshotSource) *TelegramNotifier {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	return &TelegramNotifier{
		cfg:             cfg,
		snapshots:       snapshots,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		cooldownTracker: make(map[string]time.Time),
	}
}

// PublishResult sends an alert for a successful result with enough faces
func (n *TelegramNotifier) PublishResult(v any) error {
	msg, ok := v.(*ws.ResultMessage)
	if !ok || msg.Status != "succeeded" || len(msg.Faces) < max(n.cfg.MinFaces, 1) {
		return nil
	}
	if !n.takeCooldown("alert") {
		return nil
	}

	caption := alertCaption(msg)
	var photo []byte
	if n.snapshots != nil {
		photo = n.snapshots.Snapshot()
	}

	n.background(func(ctx context.Context) error {
		if len(photo) > 0 {
			return n.sendPhoto(ctx, photo, caption)
		}
		return n.SendMessage(ctx, caption)
	})
	return nil
}

// PublishStatus sends the status message text when it changes
func (n *TelegramNotifier) PublishStatus(v any) error {
	msg, ok := v.(*ws.StatusMessage)
	if !ok || msg.Message == "" {
		return nil
	}

	n.mu.Lock()
	if msg.Message == n.lastStatus {
		n.mu.Unlock()
		return nil
	}
	n.lastStatus = msg.Message
	n.mu.Unlock()

	text := fmt.Sprintf("📹 <b>%s</b>", escapeHTML(msg.Message))
	n.background(func(ctx context.Context) error {
		return n.SendMessage(ctx, text)
	})
	return nil
}

// SendTestMessage sends a message to verify the bot configuration
func (n *TelegramNotifier) SendTestMessage(ctx context.Context) error {
	return n.SendMessage(ctx, fmt.Sprintf(
		"🤖 <b>livecam test message</b>\n\n"+
			"✅ Telegram notifications are working\n"+
			"🕐 Sent at: %s",
		formatTime(time.Now()),
	))
}

// SendMessage sends an HTML text message
func (n *TelegramNotifier) SendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    n.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req)
}

// Wait blocks until background sends have finished
func (n *TelegramNotifier) Wait() {
	n.wg.Wait()
}

func (n *TelegramNotifier) background(send func(ctx context.Context) error) {
	if !n.sending.CompareAndSwap(false, true) {
		log.Printf("[Telegram] Previous notification still in flight, dropping")
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.sending.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), n.httpClient.Timeout)
		defer cancel()
		if err := send(ctx); err != nil {
			log.Printf("[Telegram] Failed to send notification: %v", err)
		}
	}()
}

func (n *TelegramNotifier) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", n.cfg.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return n.do(req)
}

func (n *TelegramNotifier) do(req *http.Request) error {
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return nil
}

func (n *TelegramNotifier) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(n.cfg.APIURL, "/"), n.cfg.BotToken, method)
}

// takeCooldown reports whether action may run now and starts a new cooldown if so
func (n *TelegramNotifier) takeCooldown(action string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if last, ok := n.cooldownTracker[action]; ok && now.Sub(last) < n.cfg.Cooldown {
		return false
	}
	n.cooldownTracker[action] = now
	return true
}

func alertCaption(msg *ws.ResultMessage) string {
	var known []string
	unknown := 0
	for _, f := range msg.Faces {
		if f.Label != "" {
			known = append(known, escapeHTML(f.Label))
		} else {
			unknown++
		}
	}

	caption := fmt.Sprintf(
		"🚨 <b>Faces detected</b>\n\n"+
			"📹 Source: %s\n"+
			"👤 Faces: %d\n"+
			"🕐 Time: %s",
		escapeHTML(msg.SourceID),
		len(msg.Faces),
		formatTime(msg.Timestamp),
	)
	if len(known) > 0 {
		caption += fmt.Sprintf("\n✅ Identified: %s", strings.Join(known, ", "))
	}
	if unknown > 0 && len(known) > 0 {
		caption += fmt.Sprintf("\n❓ Unknown: %d", unknown)
	}
	if len(msg.Tags) > 0 {
		caption += fmt.Sprintf("\n🏷 %s", escapeHTML(strings.Join(msg.Tags, ", ")))
	}
	return caption
}

func formatTime(t time.Time) string {
	zone, _ := t.Zone()
	return fmt.Sprintf("%s %s", t.Format("2 Jan 2006, 15:04:05"), zone)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
