package notify

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"todo-registry/domain"
)

// Envelope is the wire form of a change notification.
type Envelope struct {
	Type      string `json:"type"`
	Registry  string `json:"registry,omitempty"`
	ID        uint64 `json:"id"`
	Text      string `json:"text,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Encode builds the JSON notification for ch.
func Encode(ch domain.Change) ([]byte, error) {
	return sonic.Marshal(Envelope{
		Type:      ch.Event(),
		Registry:  ch.Registry,
		ID:        ch.ID,
		Text:      ch.Text,
		Caller:    ch.Caller,
		Timestamp: ch.Timestamp,
	})
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink enqueues notifications on an Azure storage queue.
type QueueSink struct {
	queue queueClient
	name  string
}

// NewQueueSink connects to queueName with the service retry policy.
func NewQueueSink(connStr, queueName string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: q, name: queueName}, nil
}

func (s *QueueSink) Name() string { return "queue:" + s.name }

func (s *QueueSink) Send(ctx context.Context, ch domain.Change) error {
	data, err := Encode(ch)
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// RedisSink publishes notifications on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis:" + s.channel }

func (s *RedisSink) Send(ctx context.Context, ch domain.Change) error {
	data, err := Encode(ch)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}
