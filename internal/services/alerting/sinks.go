package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/pkg/retrier"
)

const telegramAPI = "https://api.telegram.org"

// Telegram posts alerts to a chat through the bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	retrier *retrier.Retrier
}

func NewTelegram(token, chatID string, opts ...retrier.Option) *Telegram {
	policy := []retrier.Option{
		retrier.WithMaxAttempts(3),
		retrier.WithInitialInterval(time.Second),
		retrier.WithMaxInterval(4 * time.Second),
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 15 * time.Second},
		retrier: retrier.New(append(policy, opts...)...),
	}
}

// WithBaseURL points the sink at another API host.
func (t *Telegram) WithBaseURL(u string) *Telegram {
	t.baseURL = u
	return t
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram sink is not configured")
	}

	body, err := json.Marshal(map[string]any{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return errors.Wrap(err, "marshal telegram message")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	return t.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retrier.Permanent(errors.Wrap(err, "build telegram request"))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "send telegram message")
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode/100 != 2 {
			return errors.Errorf("telegram status=%d", resp.StatusCode)
		}
		return nil
	})
}

// LogSink writes alerts to the service log.
type LogSink struct {
	l *zap.Logger
}

func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{l: l}
}

func (s *LogSink) SendText(_ context.Context, text string) error {
	s.l.Warn("alert", zap.String("text", text))
	return nil
}
