package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// Bus forwards messages to participants held by other relay instances.
// An empty recipient addresses every participant.
type Bus interface {
	// Listen installs the local delivery callback. It is called once, before
	// any Subscribe.
	Listen(deliver func(to string, msg signaling.Message))
	Subscribe(ctx context.Context, participantID string) error
	Unsubscribe(ctx context.Context, participantID string) error
	// Publish reports whether any instance was subscribed for the recipient.
	Publish(ctx context.Context, to string, msg signaling.Message) (bool, error)
}

const (
	busParticipantPrefix = "call:participant:"
	busBroadcastChannel  = "call:broadcast"
)

// RedisBus routes messages over Redis pub/sub with one channel per connected
// participant plus a shared broadcast channel.
type RedisBus struct {
	client *redis.Client
	log    *slog.Logger

	pubsub *redis.PubSub

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := client.Subscribe(ctx, busBroadcastChannel)
	// Wait for the subscription confirmation so broadcast delivery is live
	// before the first participant connects.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", busBroadcastChannel, err)
	}
	return &RedisBus{
		client: client,
		log:    logger,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}, nil
}

func (b *RedisBus) Listen(deliver func(to string, msg signaling.Message)) {
	b.startOnce.Do(func() {
		go b.run(deliver)
	})
}

func (b *RedisBus) run(deliver func(to string, msg signaling.Message)) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := signaling.Parse([]byte(m.Payload))
			if err != nil {
				b.log.Warn("dropping malformed bus message", "channel", m.Channel, "err", err)
				continue
			}
			to := ""
			if m.Channel != busBroadcastChannel {
				to = strings.TrimPrefix(m.Channel, busParticipantPrefix)
			}
			deliver(to, msg)
		}
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, participantID string) error {
	return b.pubsub.Subscribe(ctx, busParticipantPrefix+participantID)
}

func (b *RedisBus) Unsubscribe(ctx context.Context, participantID string) error {
	return b.pubsub.Unsubscribe(ctx, busParticipantPrefix+participantID)
}

func (b *RedisBus) Publish(ctx context.Context, to string, msg signaling.Message) (bool, error) {
	payload, err := signaling.Marshal(msg)
	if err != nil {
		return false, err
	}
	channel := busBroadcastChannel
	if to != "" {
		channel = busParticipantPrefix + to
	}
	receivers, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", channel, err)
	}
	return receivers > 0, nil
}

func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
	})
	return err
}
