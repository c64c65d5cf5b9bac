package redis

import (
	"context"
	"fmt"
	"sync"

	"live-auction/internal/domain"
	"live-auction/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// PubSubTransport carries fan-out envelopes between processes on one Redis
// channel.
type PubSubTransport struct {
	client  *redis.Client
	channel string
	log     logger.Logger
}

func NewPubSubTransport(client *redis.Client, channel string, log logger.Logger) *PubSubTransport {
	return &PubSubTransport{client: client, channel: channel, log: log}
}

// Publish returns the number of subscribers that received the payload.
// Redis failures wrap domain.ErrTransportUnavailable.
func (t *PubSubTransport) Publish(ctx context.Context, payload []byte) (int64, error) {
	receivers, err := t.client.Publish(ctx, t.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: publish %s: %w", domain.ErrTransportUnavailable, t.channel, err)
	}
	return receivers, nil
}

// Subscribe blocks until Redis confirms the subscription.
func (t *PubSubTransport) Subscribe(ctx context.Context) (domain.Subscription, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", domain.ErrTransportUnavailable, t.channel, err)
	}

	sub := &subscription{
		pubsub: pubsub,
		out:    make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel())

	t.log.Info("Subscribed to auction events", "channel", t.channel)
	return sub, nil
}

type subscription struct {
	pubsub    *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
