package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification 描述一次需要人工关注的作业失败。
type Notification struct {
	Job           string
	RunID         string
	At            time.Time
	Location      *time.Location
	Summary       string
	Cause         string
	Resolved      int
	Total         int
	Streak        int
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
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

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
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
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("job", note.Job).Str("run_id", note.RunID).Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	loc := note.Location
	if loc == nil {
		loc = time.UTC
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[daily-balance] %s\n", note.Job))
	builder.WriteString(fmt.Sprintf("When: %s\n", note.At.In(loc).Format("2006-01-02 15:04:05 MST")))
	if note.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	}
	if note.Summary != "" {
		builder.WriteString(note.Summary + "\n")
	}
	if note.Total > 0 {
		builder.WriteString(fmt.Sprintf("Resolved: %d/%d accounts\n", note.Resolved, note.Total))
	}
	if note.Streak > 0 {
		builder.WriteString(fmt.Sprintf("Consecutive failures: %d\n", note.Streak))
	}
	if note.Cause != "" {
		builder.WriteString(fmt.Sprintf("Cause: %s\n", note.Cause))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// LogNotifier 仅写日志, 用于未配置 Telegram 的环境。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier wraps logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Str("job", note.Job).Str("run_id", note.RunID).Str("cause", note.Cause).Msg(note.Summary)
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
