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
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/redresshq/redress/model"
)

// Role classifies a subscriber for fan-out authorization. Broad roles see
// every message on a channel they subscribe to; assignment-scoped roles see
// only messages naming them as the current or previous assignee.
type Role string

const (
	RoleUser     Role = "user"
	RoleHandler  Role = "handler"
	RoleIncharge Role = "incharge"
)

// Scoped reports whether the role's deliveries are filtered by assignment.
func (r Role) Scoped() bool {
	return r == RoleHandler || r == RoleIncharge
}

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleHandler || r == RoleIncharge
}

var knownChannels = map[string]struct{}{
	ChannelCreation:   {},
	ChannelUpdation:   {},
	ChannelDeletion:   {},
	ChannelDelegation: {},
	ChannelEscalation: {},
	ChannelResolution: {},
	ChannelClosure:    {},
}

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrInvalidRole    = errors.New("invalid role")
)

// SubscriptionManager maps bus channels to their subscribers and forwards
// bus messages to the authorized subset of live connections. A channel holds
// a bus listener exactly while its subscriber set is non-empty.
type SubscriptionManager struct {
	bus   Bus
	conns *ConnectionRegistry

	mu        sync.Mutex
	channels  map[string]map[string]Role     // channel -> userID -> role
	users     map[string]map[string]struct{} // userID -> channels held
	listeners map[string]*channelListener
}

type channelListener struct {
	sub  BusSubscription
	done chan struct{}
}

func NewSubscriptionManager(bus Bus, conns *ConnectionRegistry) *SubscriptionManager {
	return &SubscriptionManager{
		bus:       bus,
		conns:     conns,
		channels:  make(map[string]map[string]Role),
		users:     make(map[string]map[string]struct{}),
		listeners: make(map[string]*channelListener),
	}
}

// Subscribe adds the user to a channel's subscriber set. Re-subscribing is a
// no-op except that the role is refreshed. The channel's bus listener starts
// with its first subscriber.
func (m *SubscriptionManager) Subscribe(ctx context.Context, userID string, role Role, channel string) error {
	if _, ok := knownChannels[channel]; !ok {
		return errors.Wrap(ErrUnknownChannel, channel)
	}
	if !role.Valid() {
		return errors.Wrap(ErrInvalidRole, string(role))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	subscribers, ok := m.channels[channel]
	if !ok {
		subscribers = make(map[string]Role)
		m.channels[channel] = subscribers
	}
	subscribers[userID] = role

	held, ok := m.users[userID]
	if !ok {
		held = make(map[string]struct{})
		m.users[userID] = held
	}
	held[channel] = struct{}{}

	if _, ok := m.listeners[channel]; !ok {
		m.startListenerLocked(ctx, channel)
	}
	return nil
}

// Unsubscribe removes the mapping. The channel's bus listener stops the
// moment its subscriber set becomes empty.
func (m *SubscriptionManager) Unsubscribe(userID, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(userID, channel)
}

// UserLeft drops every subscription the user holds and closes their
// connection. Called on disconnect; must never be skipped, otherwise dead
// subscriptions keep channels listening forever.
func (m *SubscriptionManager) UserLeft(userID string) {
	m.mu.Lock()
	for channel := range m.users[userID] {
		m.unsubscribeLocked(userID, channel)
	}
	delete(m.users, userID)
	m.mu.Unlock()

	m.conns.Unregister(userID)
}

// SubscriberCount reports the current subscriber set size for a channel.
func (m *SubscriptionManager) SubscriberCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels[channel])
}

func (m *SubscriptionManager) unsubscribeLocked(userID, channel string) {
	subscribers, ok := m.channels[channel]
	if !ok {
		return
	}
	delete(subscribers, userID)
	if held, ok := m.users[userID]; ok {
		delete(held, channel)
		if len(held) == 0 {
			delete(m.users, userID)
		}
	}
	if len(subscribers) == 0 {
		delete(m.channels, channel)
		if listener, ok := m.listeners[channel]; ok {
			delete(m.listeners, channel)
			close(listener.done)
			if err := listener.sub.Close(); err != nil {
				logrus.Debugf("closing bus listener for %s: %v", channel, err)
			}
		}
	}
}

func (m *SubscriptionManager) startListenerLocked(ctx context.Context, channel string) {
	listener := &channelListener{
		sub:  m.bus.Subscribe(ctx, channel),
		done: make(chan struct{}),
	}
	m.listeners[channel] = listener

	go func() {
		for {
			select {
			case <-listener.done:
				return
			case msg, ok := <-listener.sub.Messages():
				if !ok {
					return
				}
				m.fanOut(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}

// fanOut delivers one bus message to the channel's subscribers. Broad roles
// receive unconditionally; scoped roles only when their identity matches the
// message's current or previous assignee. Write failures evict the user.
// Clients see only the envelope's type and data; the idempotency key is bus
// bookkeeping and stays internal.
func (m *SubscriptionManager) fanOut(channel string, payload []byte) {
	var envelope model.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		logrus.Errorf("dropping malformed bus message on %s: %v", channel, err)
		return
	}

	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: envelope.Type, Data: envelope.Data})
	if err != nil {
		logrus.Errorf("failed to encode client frame for %s: %v", channel, err)
		return
	}

	var assignment model.Assignment
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &assignment); err != nil {
			logrus.Debugf("bus message on %s has no assignment fields: %v", channel, err)
		}
	}

	m.mu.Lock()
	recipients := make(map[string]Role, len(m.channels[channel]))
	for userID, role := range m.channels[channel] {
		recipients[userID] = role
	}
	m.mu.Unlock()

	var evicted []string
	for userID, role := range recipients {
		if role.Scoped() && userID != assignment.IsAssignedTo && userID != assignment.WasAssignedTo {
			continue
		}
		conn, ok := m.conns.Get(userID)
		if !ok {
			continue
		}
		if err := conn.WriteMessage(frame); err != nil {
			logrus.Warnf("write to %s failed, evicting: %v", userID, err)
			evicted = append(evicted, userID)
		}
	}

	for _, userID := range evicted {
		m.UserLeft(userID)
	}
}
