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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/database"
	"github.com/redresshq/redress/model"
)

// testConfig returns a configuration with fast loop timings so retry and
// backoff paths finish quickly.
func testConfig(redisAddr string) *config.Configuration {
	cnf := &config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://test"},
		Redis:      config.RedisConfig{Dns: redisAddr},
		Queue: config.QueueConfig{
			PollInterval: 10 * time.Millisecond,
			BlockTimeout: 10 * time.Millisecond,
			IdleSleep:    time.Millisecond,
			BaseDelay:    time.Millisecond,
		},
	}
	config.MockConfig(cnf)
	cnf, _ = config.Fetch()
	return cnf
}

// uniqueViolation mimics the constraint error Postgres raises when the dedup
// ledger already holds a key.
func uniqueViolation() error {
	return &pq.Error{Code: "23505"}
}

func newTestDataSource(t *testing.T) (database.IDataSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &database.Datasource{Conn: db}, mock
}

func newTestQueue(t *testing.T) (*WorkQueue, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %s", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWorkQueue(client, "queue", "worker-queue"), mr, client
}

// fakeBus records publishes and hands out in-memory subscriptions, standing
// in for Redis pub/sub.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][]*model.Envelope
	subs      map[string]*fakeSubscription
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][]*model.Envelope),
		subs:      make(map[string]*fakeSubscription),
	}
}

func (b *fakeBus) Publish(_ context.Context, channel string, envelope *model.Envelope) error {
	b.mu.Lock()
	b.published[channel] = append(b.published[channel], envelope)
	sub := b.subs[channel]
	b.mu.Unlock()

	if sub != nil {
		payload, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		sub.messages <- &BusMessage{Channel: channel, Payload: string(payload)}
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, channel string) BusSubscription {
	sub := &fakeSubscription{messages: make(chan *BusMessage, 16)}
	b.mu.Lock()
	b.subs[channel] = sub
	b.mu.Unlock()
	return sub
}

func (b *fakeBus) publishCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

func (b *fakeBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	return ok && !sub.closed
}

type fakeSubscription struct {
	messages chan *BusMessage
	closed   bool
}

func (s *fakeSubscription) Messages() <-chan *BusMessage { return s.messages }

func (s *fakeSubscription) Close() error {
	s.closed = true
	close(s.messages)
	return nil
}

// fakeConn collects frames written to a registered connection.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	writeErr error
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
