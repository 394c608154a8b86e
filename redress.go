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
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/database"
	redis_db "github.com/redresshq/redress/internal/redis-db"
)

// Redress aggregates the explicitly constructed services of the event core:
// the datasource, the work queue, and the bus. Everything is passed in or
// built here; no package-level mutable instances.
type Redress struct {
	queue      *WorkQueue
	bus        Bus
	redis      redis.UniversalClient
	datasource database.IDataSource
}

// NewRedress initializes a new instance of Redress with the provided database datasource.
// It fetches the configuration and initializes the Redis client, work queue, and bus.
func NewRedress(db database.IDataSource) (*Redress, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	client := redisClient.Client()
	newQueue := NewWorkQueue(client, configuration.Queue.WorkQueue, configuration.Queue.ProcessingQueue)
	newBus := NewRedisBus(client)

	return &Redress{
		queue:      newQueue,
		bus:        newBus,
		redis:      client,
		datasource: db,
	}, nil
}

// Queue exposes the work queue for the dispatcher and worker loops.
func (r *Redress) Queue() *WorkQueue {
	return r.queue
}

// Bus exposes the message bus.
func (r *Redress) Bus() Bus {
	return r.bus
}

// Redis exposes the underlying client for components that need raw access.
func (r *Redress) Redis() redis.UniversalClient {
	return r.redis
}

// Datasource exposes the relational store.
func (r *Redress) Datasource() database.IDataSource {
	return r.datasource
}
