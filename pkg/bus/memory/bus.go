// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-process bus used by single-replica
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/archestra/gateway/pkg/logging"
)

// defaultPublishTimeout bounds how long Publish waits on a full subscriber
// channel before dropping the message for that subscriber.
const defaultPublishTimeout = 1 * time.Second

// Bus delivers messages over per-subscriber buffered channels, each drained
// by a dedicated goroutine so subscribers never block one another.
type Bus[T any] struct {
	mu             sync.RWMutex
	subscribers    map[string]map[uintptr]chan T
	nextID         uintptr
	publishTimeout time.Duration
}

// New creates an in-memory bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers:    make(map[string]map[uintptr]chan T),
		publishTimeout: defaultPublishTimeout,
	}
}

// Publish sends msg to every subscriber of topic. A subscriber whose buffer
// stays full past the publish timeout misses the message; that is logged, not
// returned, because the other subscribers already got it.
func (b *Bus[T]) Publish(_ context.Context, topic string, msg T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if subs, ok := b.subscribers[topic]; ok {
		for id, ch := range subs {
			select {
			case ch <- msg:
			case <-time.After(b.publishTimeout):
				logging.GetLogger().Warn("Message dropped on topic", "topic", topic, "subscriber_id", id, "timeout", b.publishTimeout)
			}
		}
	}
	return nil
}

// Subscribe registers a handler for topic. Each subscription gets a buffered
// channel and its own goroutine; the returned function tears both down.
func (b *Bus[T]) Subscribe(_ context.Context, topic string, handler func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[uintptr]chan T)
	}

	ch := make(chan T, 128)
	b.subscribers[topic][id] = ch

	go func() {
		for msg := range ch {
			handler(msg)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if subs, ok := b.subscribers[topic]; ok {
			if subCh, ok := subs[id]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subscribers, topic)
				}
				close(subCh)
			}
		}
	}
}

// SubscribeOnce registers a handler that runs for at most one message.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	var once sync.Once
	var unsub func()

	unsub = b.Subscribe(ctx, topic, func(msg T) {
		once.Do(func() {
			unsub()
			handler(msg)
		})
	})
	return unsub
}
