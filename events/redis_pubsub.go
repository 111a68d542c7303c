package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

// sharedClient hands the Redis client to Watermill without letting it close
// it: redisstream publishers and subscribers close their client on Close,
// and here one client serves them all.
type sharedClient struct {
	*redis.Client
}

func (sharedClient) Close() error { return nil }

// redisPubSub owns the Redis client shared by the publisher and by one
// fan-out subscriber per subscription.
//
// A fan-out subscriber reading from "$" only sees entries added after its
// first XREAD, which runs after Subscribe has returned. Each subscription
// therefore starts ReplayWindow in the past instead; the replayed events
// carry seqs the client already has and are dropped there.
type redisPubSub struct {
	client       *redis.Client
	publisher    message.Publisher
	replayWindow time.Duration
	logger       watermill.LoggerAdapter
	now          func() time.Time

	mu          sync.Mutex
	closed      bool
	subscribers map[*redisstream.Subscriber]struct{}
}

func newRedisPubSub(client *redis.Client, publisher message.Publisher, replayWindow time.Duration, logger watermill.LoggerAdapter) *redisPubSub {
	return &redisPubSub{
		client:       client,
		publisher:    publisher,
		replayWindow: replayWindow,
		logger:       logger,
		now:          time.Now,
		subscribers:  make(map[*redisstream.Subscriber]struct{}),
	}
}

// streamStartID is the first stream entry id a subscription starting at
// from may read. Entry ids are "<unix millis>-<counter>".
func streamStartID(from time.Time) string {
	ms := from.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%d-0", ms)
}

func (r *redisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	return publishWatermill(ctx, r.publisher, topic, msg)
}

func (r *redisPubSub) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("pubsub closed")
	}
	r.mu.Unlock()

	sub, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:         sharedClient{r.client},
			FanOutOldestId: streamStartID(r.now().Add(-r.replayWindow)),
		},
		r.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis subscriber: %w", err)
	}

	out, err := subscribeWatermill(ctx, sub, topic)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subscribers, sub)
		r.mu.Unlock()
		_ = sub.Close()
	}()

	return out, nil
}

// Close stops every subscriber, then the publisher, then the client.
func (r *redisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisstream.Subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.subscribers = map[*redisstream.Subscriber]struct{}{}
	r.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close())
	}
	errs = append(errs, r.publisher.Close(), r.client.Close())
	return errors.Join(errs...)
}
