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
	"github.com/shopspring/decimal"
)

// TriggeredLayer 描述一条触发告警的信号层摘要。
type TriggeredLayer struct {
	Layer     string
	Level     string
	Direction string
	Observed  float64
	Threshold float64
}

// Notification 封装告警上下文。
type Notification struct {
	Symbol        string
	SignalType    string
	Interval      string
	Level         string
	Score         float64
	Confidence    *float64
	NotionalUSD   decimal.Decimal
	Layers        []TriggeredLayer
	KillSwitch    bool
	Bucket        time.Time
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
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("symbol", note.Symbol).
		Str("level", note.Level).
		Str("signal_type", note.SignalType).
		Int64("message_id", result.Result.MessageID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Liquidation Confluence Alert] %s\n", note.Symbol))
	builder.WriteString(fmt.Sprintf("Level: %s (%s, %s)\n", strings.ToUpper(note.Level), note.SignalType, note.Interval))
	builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Confluence score: %.1f/100\n", note.Score))
	if note.Confidence != nil {
		builder.WriteString(fmt.Sprintf("Verification confidence: %.0f/100\n", *note.Confidence))
	}
	if !note.NotionalUSD.IsZero() {
		builder.WriteString(fmt.Sprintf("Interval liquidation notional: $%s\n", note.NotionalUSD.StringFixed(0)))
	}
	for _, layer := range note.Layers {
		builder.WriteString(fmt.Sprintf("- %s: %s %s (%.4f vs %.4f)\n",
			layer.Layer, layer.Level, layer.Direction, layer.Observed, layer.Threshold))
	}
	if note.KillSwitch {
		builder.WriteString("Kill-switch: ACTIVE (output suppressed)\n")
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
