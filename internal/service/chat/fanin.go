package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
)

// PatternSubscriber is satisfied by database.RedisClient. A nil PubSub means
// the backend is degraded and the subscription should be retried later.
type PatternSubscriber interface {
	SafePSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// Sink receives messages published by the persistence layer
type Sink interface {
	Deliver(msg domain.Message)
}

// FanIn forwards messages the REST layer publishes on chat:<conversationId>
// to the rooms of this relay
type FanIn struct {
	source     PatternSubscriber
	pattern    string
	sink       Sink
	retryDelay time.Duration
}

// NewFanIn creates a fan-in for channels matching pattern
func NewFanIn(source PatternSubscriber, pattern string, sink Sink) *FanIn {
	return &FanIn{
		source:     source,
		pattern:    pattern,
		sink:       sink,
		retryDelay: 5 * time.Second,
	}
}

// Run subscribes and forwards until ctx is done, resubscribing whenever the
// subscription is lost
func (f *FanIn) Run(ctx context.Context) {
	for {
		if pubsub := f.source.SafePSubscribe(ctx, f.pattern); pubsub != nil {
			logger.Info("Chat fan-in subscribed", zap.String("pattern", f.pattern))
			f.consume(ctx, pubsub)
			_ = pubsub.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *FanIn) consume(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warn("Chat fan-in subscription closed", zap.String("pattern", f.pattern))
				return
			}
			f.handle(msg.Channel, msg.Payload)
		}
	}
}

func (f *FanIn) handle(channel, payload string) {
	var msg domain.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Warn("Failed to unmarshal fan-in message",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	f.sink.Deliver(msg)
}
