package main

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/eventcore/api/handlers"
	"github.com/angelmondragon/eventcore/internal/broadcast"
	"github.com/angelmondragon/eventcore/internal/listener"
	"github.com/angelmondragon/eventcore/pkg/config"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/pubsub"
	"github.com/angelmondragon/eventcore/pkg/redis"
)

type broadcastBackend struct {
	broadcaster listener.Broadcaster
	checks      []handlers.ReadinessCheck
	closers     []func() error
}

func (b broadcastBackend) close() error {
	var errs error
	for _, fn := range b.closers {
		errs = multierr.Append(errs, fn())
	}
	return errs
}

// newBroadcastBackend builds the real-time transport selected by config.
func newBroadcastBackend(ctx context.Context, cfg *config.Config, logg *logger.Logger) (broadcastBackend, error) {
	switch cfg.Broadcast.Backend {
	case config.BroadcastRedis:
		client, err := redis.New(ctx, cfg.Redis, cfg.Broadcast.ChannelPrefix, logg)
		if err != nil {
			return broadcastBackend{}, err
		}
		b, err := broadcast.NewRedisBroadcaster(client, logg)
		if err != nil {
			_ = client.Close()
			return broadcastBackend{}, err
		}
		return broadcastBackend{
			broadcaster: b,
			checks:      []handlers.ReadinessCheck{{Name: "redis", Ping: client.Ping}},
			closers:     []func() error{client.Close},
		}, nil

	case config.BroadcastPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return broadcastBackend{}, err
		}
		publisher := client.BroadcastPublisher()
		b, err := broadcast.NewPubSubBroadcaster(broadcast.TopicPublisher(publisher), logg)
		if err != nil {
			_ = client.Close()
			return broadcastBackend{}, err
		}
		return broadcastBackend{
			broadcaster: b,
			checks:      []handlers.ReadinessCheck{{Name: "pubsub", Ping: client.Ping}},
			closers: []func() error{
				func() error { publisher.Stop(); return nil },
				client.Close,
			},
		}, nil

	case config.BroadcastLog:
		return broadcastBackend{broadcaster: broadcast.NewLogBroadcaster(logg)}, nil
	}
	return broadcastBackend{}, fmt.Errorf("unknown broadcast backend %q", cfg.Broadcast.Backend)
}
