package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
)

const DefaultChannelPrefix = "pos"

// RedisBroadcaster is the Ephemeral transport over Redis PUBLISH/PSUBSCRIBE.
// Channels are named <prefix>:<business_id>:<entity>.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisBroadcaster(client *redis.Client, prefix string, logger *logrus.Logger) *RedisBroadcaster {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBroadcaster{client: client, prefix: prefix, logger: config.LoggerOrDefault(logger)}
}

func (r *RedisBroadcaster) channel(businessId string, entity EntityType) string {
	return r.prefix + ":" + businessId + ":" + string(entity)
}

func (r *RedisBroadcaster) pattern(businessId string) string {
	return r.prefix + ":" + businessId + ":*"
}

func (r *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	if r.client == nil {
		return errors.New("redis client not configured")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(ev.BusinessId, ev.Entity), data).Err()
}

func (r *RedisBroadcaster) Subscribe(ctx context.Context, businessId string, deliver func(Event)) error {
	if r.client == nil {
		return errors.New("redis client not configured")
	}
	ps := r.client.PSubscribe(ctx, r.pattern(businessId))
	defer ps.Close()

	// wait for the subscription to be confirmed so connection errors surface here
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.WithField("channel", msg.Channel).Warn("realtime: dropping malformed event: " + err.Error())
				continue
			}
			deliver(ev)
		}
	}
}
