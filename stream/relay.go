package stream

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"todo-registry/notify"
)

const reconnectDelay = time.Second

// Relay forwards notifications for registry published on a Redis channel to
// the hub. Registries may share a channel, so other registries' events are
// skipped. It resubscribes when the subscription drops and returns when ctx
// is done.
func Relay(ctx context.Context, rc *redis.Client, channel, registry string, hub *Hub, logger *log.Logger) {
	for {
		sub := rc.Subscribe(ctx, channel)
		msgs := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					break receive
				}
				var env notify.Envelope
				if err := sonic.UnmarshalString(msg.Payload, &env); err != nil || env.Type == "" {
					logger.WithError(err).WithField("channel", channel).Warn("ignoring malformed notification")
					continue
				}
				if env.Registry != registry {
					continue
				}
				hub.Broadcast([]byte(msg.Payload))
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
