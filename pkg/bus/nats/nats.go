// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package nats provides a NATS-backed message bus for multi-replica
// deployments.
package nats

import (
	"context"
	"encoding/json"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
)

// Bus publishes and subscribes over a NATS connection. Messages are JSON.
type Bus[T any] struct {
	nc *natsgo.Conn
}

// New connects to the NATS server at url.
func New[T any](url string) (*Bus[T], error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	nc, err := natsgo.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &Bus[T]{nc: nc}, nil
}

// NewWithConn wraps an existing connection. The caller keeps ownership only
// until Close.
func NewWithConn[T any](nc *natsgo.Conn) *Bus[T] {
	return &Bus[T]{nc: nc}
}

// Close drains the connection.
func (b *Bus[T]) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

// Publish sends msg on the subject named by topic.
func (b *Bus[T]) Publish(_ context.Context, topic string, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.nc.Publish(topic, data)
}

// Subscribe invokes handler for every message on topic. Messages that fail to
// decode are skipped.
func (b *Bus[T]) Subscribe(_ context.Context, topic string, handler func(T)) (unsubscribe func()) {
	sub, _ := b.nc.Subscribe(topic, func(m *natsgo.Msg) {
		var msg T
		if err := json.Unmarshal(m.Data, &msg); err == nil {
			handler(msg)
		}
	})
	return func() {
		_ = sub.Unsubscribe()
	}
}

// SubscribeOnce invokes handler for at most one message on topic.
func (b *Bus[T]) SubscribeOnce(_ context.Context, topic string, handler func(T)) (unsubscribe func()) {
	sub, err := b.nc.Subscribe(topic, func(m *natsgo.Msg) {
		var msg T
		if err := json.Unmarshal(m.Data, &msg); err == nil {
			handler(msg)
		}
	})
	if err != nil {
		return func() {}
	}
	_ = sub.AutoUnsubscribe(1)
	return func() {
		_ = sub.Unsubscribe()
	}
}
