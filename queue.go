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
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redresshq/redress/model"
)

// WorkQueue is the durable FIFO hand-off between the dispatcher and the
// worker, backed by two Redis lists. Items move atomically from the main
// list into the processing list on reserve, and are removed from the
// processing list only on acknowledgement, so a consumer crash between the
// two leaves the item recoverable rather than lost.
type WorkQueue struct {
	client     redis.UniversalClient
	queue      string
	processing string
}

// NewWorkQueue wires a WorkQueue over the given client and list names.
func NewWorkQueue(client redis.UniversalClient, queue, processing string) *WorkQueue {
	return &WorkQueue{
		client:     client,
		queue:      queue,
		processing: processing,
	}
}

// Push appends a work item to the tail of the main list.
func (q *WorkQueue) Push(ctx context.Context, item *model.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.queue, string(payload)).Err()
}

// ReservedItem pairs a decoded work item with the raw string needed to
// acknowledge it later.
type ReservedItem struct {
	Item *model.WorkItem
	Raw  string
}

// RecoverAbandoned returns the oldest item left in the processing list by a
// prior crashed consumer, or nil when the list is empty.
func (q *WorkQueue) RecoverAbandoned(ctx context.Context) (*ReservedItem, error) {
	raws, err := q.client.LRange(ctx, q.processing, -1, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	return decodeReserved(raws[0])
}

// Reserve blocks up to timeout for the next work item, atomically moving it
// from the main list into the processing list. A nil item with nil error
// means the timeout elapsed with nothing to do.
func (q *WorkQueue) Reserve(ctx context.Context, timeout time.Duration) (*ReservedItem, error) {
	raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeReserved(raw)
}

// Ack removes a reserved item from the processing list once the consumer's
// transaction has committed. Unacknowledged items are redelivered via
// RecoverAbandoned.
func (q *WorkQueue) Ack(ctx context.Context, reserved *ReservedItem) error {
	return q.client.LRem(ctx, q.processing, 1, reserved.Raw).Err()
}

// Depth reports the number of items waiting in the main list.
func (q *WorkQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

func decodeReserved(raw string) (*ReservedItem, error) {
	var item model.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, err
	}
	return &ReservedItem{Item: &item, Raw: raw}, nil
}
