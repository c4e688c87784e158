// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis pub/sub message bus for multi-replica
// deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/archestra/gateway/pkg/logging"
)

// Bus publishes and subscribes over Redis pub/sub channels. Messages are JSON.
type Bus[T any] struct {
	client *redis.Client
}

// New connects to the Redis server described by url, e.g.
// "redis://localhost:6379/0".
func New[T any](url string) (*Bus[T], error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewWithClient[T](redis.NewClient(options)), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient[T any](client *redis.Client) *Bus[T] {
	return &Bus[T]{client: client}
}

// Publish sends msg on the channel named by topic.
func (b *Bus[T]) Publish(ctx context.Context, topic string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe invokes handler for every message on topic until ctx ends or the
// returned function is called. Handler panics are contained so one bad
// message cannot kill the drain goroutine's siblings.
func (b *Bus[T]) Subscribe(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	if handler == nil {
		logging.GetLogger().Error("redis bus: handler cannot be nil")
		return func() {}
	}

	pubsub := b.client.Subscribe(ctx, topic)

	var unsubscribeOnce sync.Once
	unsubscribe = func() {
		unsubscribeOnce.Do(func() {
			_ = pubsub.Close()
		})
	}

	go func() {
		defer unsubscribe()
		log := logging.GetLogger()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				if msg == nil {
					return
				}
				var message T
				if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
					log.Error("Failed to unmarshal message", "topic", topic, "error", err)
					continue
				}

				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error("panic in handler", "topic", topic, "error", r)
						}
					}()
					handler(message)
				}()
			}
		}
	}()

	return unsubscribe
}

// SubscribeOnce invokes handler for at most one message on topic.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	if handler == nil {
		logging.GetLogger().Error("redis bus: handler cannot be nil")
		return func() {}
	}
	var once sync.Once
	ready := make(chan struct{})
	var regularUnsub func()

	// proxyUnsub waits until the real unsubscribe function exists.
	proxyUnsub := func() {
		<-ready
		if regularUnsub != nil {
			regularUnsub()
		}
	}

	regularUnsub = b.Subscribe(ctx, topic, func(msg T) {
		once.Do(func() {
			handler(msg)
			proxyUnsub()
		})
	})

	close(ready)

	return proxyUnsub
}

// Close closes the Redis client.
func (b *Bus[T]) Close() error {
	return b.client.Close()
}
