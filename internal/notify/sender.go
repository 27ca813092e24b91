// Package notify delivers security alerts to operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Alert struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	IPAddress   string    `json:"ip_address"`
	UserID      string    `json:"user_id,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Name() string { return "log" }

func (s LogSender) Send(_ context.Context, a Alert) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("security alert",
		zap.String("event_id", a.EventID),
		zap.String("type", a.Type),
		zap.String("severity", a.Severity),
		zap.String("ip", a.IPAddress),
		zap.String("user_id", a.UserID),
		zap.String("description", a.Description),
	)
	return nil
}

// WebhookSender POSTs the alert as JSON. Any non-2xx reply is an error.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string, timeout time.Duration) WebhookSender {
	return WebhookSender{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (s WebhookSender) Name() string { return "webhook" }

func (s WebhookSender) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// RedisSender publishes alerts on a channel every instance and operator
// tool can subscribe to.
type RedisSender struct {
	Client  redis.UniversalClient
	Channel string
}

func (s RedisSender) Name() string { return "redis" }

func (s RedisSender) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.Client.Publish(ctx, s.Channel, body).Err()
}

type Options struct {
	Log          *zap.Logger
	WebhookURL   string
	Timeout      time.Duration
	Redis        redis.UniversalClient
	RedisChannel string
}

// NewSenders builds the configured sender set. The log sender is always
// present.
func NewSenders(o Options) []Sender {
	out := []Sender{LogSender{Log: o.Log}}
	if o.WebhookURL != "" {
		out = append(out, NewWebhookSender(o.WebhookURL, o.Timeout))
	}
	if o.Redis != nil && o.RedisChannel != "" {
		out = append(out, RedisSender{Client: o.Redis, Channel: o.RedisChannel})
	}
	return out
}
