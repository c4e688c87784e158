// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package bus defines the message bus interface and its backends. Gateway
// replicas use it to tell each other about invalidated MCP sessions and to
// feed the audit trail without blocking the tool path.
package bus

import (
	"context"
	"fmt"
	"io"

	xsync "github.com/puzpuzpuz/xsync/v4"

	"github.com/archestra/gateway/pkg/bus/memory"
	"github.com/archestra/gateway/pkg/bus/nats"
	"github.com/archestra/gateway/pkg/bus/redis"
)

// Backend names accepted by NewProvider.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Bus is a type-safe event bus over one topic family.
type Bus[T any] interface {
	// Publish sends a message to all subscribers of the topic.
	Publish(ctx context.Context, topic string, msg T) error

	// Subscribe registers a handler for the topic and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, topic string, handler func(T)) (unsubscribe func())

	// SubscribeOnce registers a handler invoked for at most one message.
	SubscribeOnce(ctx context.Context, topic string, handler func(T)) (unsubscribe func())
}

// Provider hands out one typed bus per topic, all sharing a backend.
type Provider struct {
	buses    *xsync.Map[string, any]
	backend  string
	natsURL  string
	redisURL string
}

// NewProvider validates the backend choice. Connections are established
// lazily, per topic, on the first GetBus call.
func NewProvider(backend, natsURL, redisURL string) (*Provider, error) {
	switch backend {
	case "", BackendMemory, BackendNATS, BackendRedis:
	default:
		return nil, fmt.Errorf("unknown bus backend %q", backend)
	}
	if backend == "" {
		backend = BackendMemory
	}
	return &Provider{
		buses:    xsync.NewMap[string, any](),
		backend:  backend,
		natsURL:  natsURL,
		redisURL: redisURL,
	}, nil
}

// GetBus retrieves the bus for a topic, creating it on first use. The type
// parameter must be consistent per topic across the process.
func GetBus[T any](p *Provider, topic string) (Bus[T], error) {
	if existing, ok := p.buses.Load(topic); ok {
		return existing.(Bus[T]), nil
	}

	var (
		newBus Bus[T]
		err    error
	)
	switch p.backend {
	case BackendMemory:
		newBus = memory.New[T]()
	case BackendNATS:
		newBus, err = nats.New[T](p.natsURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS bus: %w", err)
		}
	case BackendRedis:
		newBus, err = redis.New[T](p.redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis bus: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown bus backend %q", p.backend)
	}

	actual, _ := p.buses.LoadOrStore(topic, newBus)
	return actual.(Bus[T]), nil
}

// Close closes every backend connection the provider opened.
func (p *Provider) Close() error {
	var firstErr error
	p.buses.Range(func(topic string, value any) bool {
		if closer, ok := value.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close bus for topic %s: %w", topic, err)
			}
		}
		p.buses.Delete(topic)
		return true
	})
	return firstErr
}
