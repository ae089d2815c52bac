// Package notify delivers execution outcomes and operator alerts to a chat
// or pub/sub channel. Delivery is fire-and-forget and never blocks trading.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier sends one message to channelID.
type Notifier interface {
	Notify(ctx context.Context, message, channelID string) error
}

// LogNotifier writes messages to the log. Used when no backend is set up.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, message, channelID string) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification", zap.String("channel", channelID), zap.String("message", message))
	return nil
}

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts to the Bot API sendMessage method with Markdown
// formatting.
type TelegramNotifier struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegramNotifier uses the public Bot API when baseURL is empty.
func NewTelegramNotifier(token, baseURL string) *TelegramNotifier {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &TelegramNotifier{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Notify returns a permanent error for rejections that a retry cannot fix.
func (n *TelegramNotifier) Notify(ctx context.Context, message, channelID string) error {
	if n.token == "" || channelID == "" {
		return backoff.Permanent(errors.New("telegram: token and chat id required"))
	}
	body, err := json.Marshal(map[string]string{
		"chat_id":    channelID,
		"text":       message,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token), bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)
	if resp.StatusCode == http.StatusOK && tr.OK {
		return nil
	}
	err = fmt.Errorf("telegram: status %d: %s", resp.StatusCode, tr.Description)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests && tr.Parameters.RetryAfter > 0:
		return backoff.RetryAfter(tr.Parameters.RetryAfter)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return err
	default:
		return backoff.Permanent(err)
	}
}

// RedisNotifier publishes each message on a Redis channel.
type RedisNotifier struct {
	client redis.UniversalClient
}

func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, message, channelID string) error {
	if channelID == "" {
		return backoff.Permanent(errors.New("redis: channel required"))
	}
	if err := n.client.Publish(ctx, channelID, message).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channelID, err)
	}
	return nil
}
