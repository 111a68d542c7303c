// Package events carries session events from the writers to every connected
// client. Transport is pluggable through Watermill; the Broadcaster adds
// per-session topics and sequence numbers on top.
package events

import (
	"context"
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Message is the transport envelope.
type Message struct {
	UUID     string
	Payload  []byte
	Metadata map[string]string
}

// PubSub is the transport the Broadcaster publishes through.
type PubSub interface {
	// Publish sends a message to the specified topic
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe returns a channel that receives messages from the specified
	// topic. The channel is closed when ctx ends or the PubSub is closed.
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	Close() error
}

// watermillPubSub adapts a Watermill publisher/subscriber pair to PubSub.
type watermillPubSub struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewWatermillPubSub(publisher message.Publisher, subscriber message.Subscriber) PubSub {
	return &watermillPubSub{
		publisher:  publisher,
		subscriber: subscriber,
	}
}

func (w *watermillPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	return publishWatermill(ctx, w.publisher, topic, msg)
}

func (w *watermillPubSub) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	return subscribeWatermill(ctx, w.subscriber, topic)
}

func publishWatermill(ctx context.Context, publisher message.Publisher, topic string, msg *Message) error {
	watermillMsg := message.NewMessage(msg.UUID, msg.Payload)
	watermillMsg.SetContext(ctx)

	for key, value := range msg.Metadata {
		watermillMsg.Metadata.Set(key, value)
	}

	return publisher.Publish(topic, watermillMsg)
}

func subscribeWatermill(ctx context.Context, subscriber message.Subscriber, topic string) (<-chan *Message, error) {
	watermillCh, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *Message)

	go func() {
		defer close(out)

		for watermillMsg := range watermillCh {
			metadata := make(map[string]string, len(watermillMsg.Metadata))
			maps.Copy(metadata, watermillMsg.Metadata)

			select {
			case out <- &Message{UUID: watermillMsg.UUID, Payload: watermillMsg.Payload, Metadata: metadata}:
				watermillMsg.Ack()
			case <-ctx.Done():
				watermillMsg.Nack()
				return
			}
		}
	}()

	return out, nil
}

// Close closes both the publisher and subscriber.
func (w *watermillPubSub) Close() error {
	pubErr := w.publisher.Close()
	if any(w.subscriber) == any(w.publisher) {
		return pubErr
	}
	subErr := w.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
