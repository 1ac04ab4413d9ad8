package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

const pubsubConnectAttempts = 5

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetClient returns the shared Pub/Sub client, connecting on first use. It uses
// Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is set.
func GetClient(ctx context.Context, projectID string) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	if projectID == "" {
		projectID = firstEnv("PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT")
	}
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	var lastErr error
	for attempt := 1; attempt <= pubsubConnectAttempts; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			pubsubClient = c
			return c, nil
		}
		lastErr = err

		sleep := time.Second * time.Duration(1<<attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("pubsub client after %d attempts: %w", pubsubConnectAttempts, lastErr)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// MessageAttributer lets a published body add Pub/Sub attributes, such as the
// entity type subscribers filter on.
type MessageAttributer interface {
	MessageAttributes() map[string]string
}

// PubSubPublisher publishes JSON bodies to one topic. Messages of one business
// share an ordering key, so subscribers see a tenant's changes in commit order.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(c *pubsub.Client, topicName string) (*PubSubPublisher, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topicName == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}
	topic := c.Topic(topicName)
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic}, nil
}

// PublishJSON returns the server-assigned message ID.
func (p *PubSubPublisher) PublishJSON(ctx context.Context, businessId string, obj any) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	attrs := map[string]string{}
	if a, ok := obj.(MessageAttributer); ok {
		for k, v := range a.MessageAttributes() {
			attrs[k] = v
		}
	}
	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if businessId != "" {
		attrs["business_id"] = businessId
		msg.OrderingKey = businessId
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil && msg.OrderingKey != "" {
		// a failed ordered publish pauses its key until resumed
		p.topic.ResumePublish(msg.OrderingKey)
	}
	return id, err
}

func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}
