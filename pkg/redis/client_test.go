package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/eventcore/pkg/config"
)

func TestPublishRecordsChannelAndPayload(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	mock.subscribers["ec:rt:room:r-1"] = 3
	client := &Client{store: mock, prefix: "rt"}

	n, err := client.Publish(ctx, client.RoomChannel("r-1"), `{"event":"message.created"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 receivers, got %d", n)
	}
	if len(mock.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(mock.published))
	}
	if got := mock.published[0]; got.channel != "ec:rt:room:r-1" || got.message != `{"event":"message.created"}` {
		t.Fatalf("unexpected publish %+v", got)
	}

	mock.err = errors.New("connection reset")
	if _, err := client.Publish(ctx, "any", "x"); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestPublishWithoutStore(t *testing.T) {
	client := &Client{}
	if _, err := client.Publish(context.Background(), "c", "m"); err == nil {
		t.Fatalf("expected error for uninitialized client")
	}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error for uninitialized client")
	}
}

func TestChannelBuilders(t *testing.T) {
	client := &Client{prefix: "rt"}
	if got := client.RoomChannel("lobby"); got != "ec:rt:room:lobby" {
		t.Fatalf("unexpected room channel %s", got)
	}
	if got := client.UserChannel(" user-1 "); got != "ec:rt:user:user-1" {
		t.Fatalf("unexpected user channel %s", got)
	}

	bare := &Client{}
	if got := bare.RoomChannel("lobby"); got != "ec:room:lobby" {
		t.Fatalf("prefix-less channel should skip empty parts, got %s", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatalf("expected error without url or address")
	}

	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", PoolSize: 7, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 2 || opts.PoolSize != 7 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}

	opts, err = optionsFromConfig(config.RedisConfig{Address: "cache:6379", DB: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache:6379" || opts.DB != 1 {
		t.Fatalf("unexpected options %+v", opts)
	}

	if _, err := optionsFromConfig(config.RedisConfig{URL: "http://nope"}); err == nil {
		t.Fatalf("expected url parse error")
	}
}

type publishCall struct {
	channel string
	message string
}

type mockCmdable struct {
	subscribers map[string]int64
	published   []publishCall
	err         error
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{subscribers: make(map[string]int64)}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	m.published = append(m.published, publishCall{channel: channel, message: fmt.Sprint(message)})
	return redis.NewIntResult(m.subscribers[channel], nil)
}
