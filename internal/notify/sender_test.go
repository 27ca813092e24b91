package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAlert() Alert {
	return Alert{
		EventID:     "evt-1",
		Type:        "brute_force",
		Severity:    "high",
		IPAddress:   "203.0.113.7",
		Description: "auth rate limit exceeded",
		CreatedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestWebhookSender(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Second)
	require.NoError(t, s.Send(context.Background(), sampleAlert()))
	assert.Equal(t, sampleAlert(), got)
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.URL, time.Second).Send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRedisSenderPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, "security:alerts")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	s := RedisSender{Client: client, Channel: "security:alerts"}
	require.NoError(t, s.Send(ctx, sampleAlert()))

	select {
	case msg := <-sub.Channel():
		var got Alert
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "evt-1", got.EventID)
		assert.Equal(t, "203.0.113.7", got.IPAddress)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not published")
	}
}

func TestNewSenders(t *testing.T) {
	assert.Len(t, NewSenders(Options{}), 1)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	senders := NewSenders(Options{WebhookURL: "http://example.invalid/hook", Redis: client, RedisChannel: "c"})
	names := []string{}
	for _, s := range senders {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"log", "webhook", "redis"}, names)
}
