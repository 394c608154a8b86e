/*
Copyright 2024 Redress Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redress

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/redresshq/redress/model"
)

// Bus is the publish/subscribe broker the dispatcher publishes envelopes to
// and the subscription manager listens on. The interface keeps the fan-out
// layer testable without a live broker.
type Bus interface {
	Publish(ctx context.Context, channel string, envelope *model.Envelope) error
	Subscribe(ctx context.Context, channel string) BusSubscription
}

// BusSubscription is one live channel listener. Close unregisters the
// listener from the broker.
type BusSubscription interface {
	Messages() <-chan *BusMessage
	Close() error
}

// BusMessage is a raw message delivered on a channel.
type BusMessage struct {
	Channel string
	Payload string
}

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	client redis.UniversalClient
}

func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, envelope *model.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, string(payload)).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) BusSubscription {
	pubsub := b.client.Subscribe(ctx, channel)
	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan *BusMessage),
		done:     make(chan struct{}),
	}
	go sub.pump()
	return sub
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan *BusMessage
	done     chan struct{}
}

func (s *redisSubscription) pump() {
	defer close(s.messages)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.messages <- &BusMessage{Channel: msg.Channel, Payload: msg.Payload}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan *BusMessage {
	return s.messages
}

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}
