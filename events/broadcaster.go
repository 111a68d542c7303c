package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"couplemode_server/models"

	"github.com/google/uuid"
)

// SequenceSource issues the per-session sequence numbers. The store is the
// source so that numbering survives restarts and is shared by instances.
type SequenceSource interface {
	NextEventSeq(ctx context.Context, sessionID string) (int64, error)
}

const (
	metadataEventType = "event_type"
	metadataSeq       = "seq"
)

type Broadcaster struct {
	pubsub      PubSub
	seq         SequenceSource
	topicPrefix string
	logger      *slog.Logger
	now         func() time.Time
}

func NewBroadcaster(pubsub PubSub, seq SequenceSource, topicPrefix string, logger *slog.Logger) *Broadcaster {
	if topicPrefix == "" {
		topicPrefix = "couplemode"
	}
	return &Broadcaster{
		pubsub:      pubsub,
		seq:         seq,
		topicPrefix: topicPrefix,
		logger:      logger,
		now:         time.Now,
	}
}

// Topic is the channel name for a session.
func (b *Broadcaster) Topic(sessionID string) string {
	return b.topicPrefix + ".session." + sessionID
}

// Publish sends one event on the session channel. It must only be called
// after the write the event describes has committed. eventID may be empty,
// in which case a random id is used.
func (b *Broadcaster) Publish(ctx context.Context, sessionID, eventType, actorID, eventID string, payload any) (*models.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	seq, err := b.seq.NextEventSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue event seq: %w", err)
	}

	if eventID == "" {
		eventID = uuid.NewString()
	}
	event := &models.Event{
		ID:        eventID,
		SessionID: sessionID,
		Seq:       seq,
		Type:      eventType,
		ActorID:   actorID,
		Timestamp: b.now().UTC(),
		Payload:   body,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &Message{
		UUID:    uuid.NewString(),
		Payload: data,
		Metadata: map[string]string{
			metadataEventType: eventType,
			metadataSeq:       strconv.FormatInt(seq, 10),
		},
	}
	if err := b.pubsub.Publish(ctx, b.Topic(sessionID), msg); err != nil {
		b.logger.Error("❌ failed to publish event",
			"sessionId", sessionID, "type", eventType, "seq", seq, "error", err)
		return nil, fmt.Errorf("%w: %w", models.ErrTransportUnavailable, err)
	}

	b.logger.Debug("📣 event published", "sessionId", sessionID, "type", eventType, "seq", seq)
	return event, nil
}

// Subscribe streams the session's events until ctx ends. Messages that do
// not decode are dropped with a warning.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan models.Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, b.Topic(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", models.ErrTransportUnavailable, sessionID, err)
	}

	out := make(chan models.Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var event models.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Warn("⚠️ dropping undecodable event", "sessionId", sessionID, "messageId", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Broadcaster) Close() error {
	return b.pubsub.Close()
}
