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
	"database/sql"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/redresshq/redress/cache"
	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/database"
	"github.com/redresshq/redress/internal/notification"
	"github.com/redresshq/redress/model"
)

const dedupCacheTTL = 24 * time.Hour

// Dispatcher drives the outbox: it polls PENDING rows, publishes the
// publishable ones exactly once per idempotency key, promotes due rows into
// the work queue, and schedules derived delayed actions. All state moves
// through store transactions; concurrent dispatchers coordinate only via the
// dedup ledger's unique constraint and the conditional status update.
type Dispatcher struct {
	datasource database.IDataSource
	bus        Bus
	queue      *WorkQueue
	cache      cache.Cache

	batchSize    int
	pollInterval time.Duration
	maxRetries   uint64
	baseDelay    time.Duration
	dueOffset    time.Duration
	closureDue   time.Duration

	now func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDispatcher constructs a dispatcher from explicit dependencies. The
// cache is optional; pass nil to always consult the ledger directly.
func NewDispatcher(conf *config.Configuration, ds database.IDataSource, bus Bus, queue *WorkQueue, dedupCache cache.Cache) *Dispatcher {
	return &Dispatcher{
		datasource:   ds,
		bus:          bus,
		queue:        queue,
		cache:        dedupCache,
		batchSize:    conf.Queue.BatchSize,
		pollInterval: conf.Queue.PollInterval,
		maxRetries:   conf.Queue.MaxRetries,
		baseDelay:    conf.Queue.BaseDelay,
		dueOffset:    conf.Escalation.DueOffset,
		closureDue:   conf.Escalation.ClosureDueOffset,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the poll loop. Safe to call once per instance; subsequent
// calls while running are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()

	logrus.Info("Outbox dispatcher started")
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	logrus.Info("Outbox dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Outbox dispatcher context cancelled")
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch polls one batch of PENDING rows and handles each event
// independently: a chronically failing event is logged and left PENDING for
// a later cycle rather than aborting the batch.
func (d *Dispatcher) ProcessBatch(ctx context.Context) {
	events, err := d.datasource.PollOutboxEvents(ctx, d.batchSize)
	if err != nil {
		notification.NotifyError(err)
		return
	}

	for _, event := range events {
		if err := d.processWithBackoff(ctx, event); err != nil {
			logrus.Errorf("outbox event %s failed after %d attempts: %v", event.EventID, d.maxRetries, err)
		}
	}
}

// processWithBackoff retries a single event in-process with exponential
// backoff and jitter. On exhaustion the row is forced back to PENDING so the
// next poll cycle redrives it; there is no dead-letter state.
func (d *Dispatcher) processWithBackoff(ctx context.Context, event *model.OutboxEvent) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.baseDelay
	bo.Multiplier = 2

	operation := func() error {
		return d.HandleEvent(ctx, event)
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), d.maxRetries))
	if err != nil {
		if redriveErr := d.datasource.MarkOutboxEventPending(ctx, event.EventID); redriveErr != nil {
			logrus.Errorf("failed to redrive event %s: %v", event.EventID, redriveErr)
		}
		notification.NotifyError(err)
		return err
	}
	return nil
}

// HandleEvent processes one outbox row: due rows are promoted to the work
// queue once their time has come, notify_resolver rows are promoted
// immediately, and everything else is published with dedup masking. Unknown
// event types are logged and retired as no-ops.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *model.OutboxEvent) error {
	payload, err := model.DecodePayload(event.EventType, event.Payload)
	if err != nil {
		if _, unknown := err.(model.ErrUnknownEventType); unknown {
			logrus.Warnf("ignoring outbox event %s with unknown type %s", event.EventID, event.EventType)
			_, markErr := d.datasource.MarkOutboxEventProcessed(ctx, event.EventID)
			return markErr
		}
		return err
	}

	switch {
	case event.EventType.Due():
		return d.promoteDue(ctx, event, payload)
	case event.EventType == model.EventNotifyResolver:
		return d.promote(ctx, event, notifyWorkItem(event.EventID, payload.(model.NotifyResolverPayload)))
	default:
		return d.publish(ctx, event)
	}
}

// promoteDue pushes a due row's work item once its deadline has passed. Not
// yet due is not an error: the row stays PENDING and is re-examined on a
// later cycle.
func (d *Dispatcher) promoteDue(ctx context.Context, event *model.OutboxEvent, payload model.EventPayload) error {
	if d.now().Before(event.ProcessAfter) {
		return nil
	}

	var item *model.WorkItem
	switch p := payload.(type) {
	case model.EscalationDuePayload:
		item = &model.WorkItem{
			EventType:       model.WorkEscalation,
			EventID:         event.EventID,
			ComplaintID:     p.ComplaintID,
			AssignedTo:      p.AssignedTo,
			EscalationLevel: p.EscalationLevel,
		}
	case model.ClosureDuePayload:
		item = &model.WorkItem{
			EventType:   model.WorkClosure,
			EventID:     event.EventID,
			ComplaintID: p.ComplaintID,
			CreatedBy:   p.CreatedBy,
		}
	default:
		logrus.Warnf("due event %s has unexpected payload shape", event.EventID)
		return nil
	}

	return d.promote(ctx, event, item)
}

// promote claims the row and enqueues its work item in one transaction. The
// conditional update means a business action that already retired the row
// (resolution before the deadline) wins silently: no duplicate work item is
// ever enqueued.
func (d *Dispatcher) promote(ctx context.Context, event *model.OutboxEvent, item *model.WorkItem) error {
	tx, err := d.datasource.BeginTx(ctx)
	if err != nil {
		return err
	}

	claimed, err := d.datasource.MarkOutboxEventProcessedTx(ctx, tx, event.EventID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !claimed {
		return tx.Rollback()
	}

	if err := d.queue.Push(ctx, item); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// publish sends the event's envelope to the bus unless the dedup ledger
// already holds its idempotency key, then schedules any derived delayed
// action and retires the row, all in one transaction.
func (d *Dispatcher) publish(ctx context.Context, event *model.OutboxEvent) error {
	channel, ok := ChannelForEvent(event.EventType)
	if !ok {
		logrus.Warnf("no bus channel for event type %s, skipping publish", event.EventType)
		_, err := d.datasource.MarkOutboxEventProcessed(ctx, event.EventID)
		return err
	}

	key := IdempotencyKey(event.EventID, event.EventType)

	published, err := d.alreadyPublished(ctx, key)
	if err != nil {
		return err
	}

	tx, err := d.datasource.BeginTx(ctx)
	if err != nil {
		return err
	}

	if !published {
		err = d.datasource.InsertProcessedEvent(ctx, tx, key)
		switch err {
		case nil:
			envelope := &model.Envelope{
				IdempotencyKey: key,
				Type:           string(event.EventType),
				Data:           event.Payload,
			}
			if err := d.bus.Publish(ctx, channel, envelope); err != nil {
				_ = tx.Rollback()
				return err
			}
			// Only the transaction that won the ledger insert schedules
			// the follow-up; any other path means a committed transaction
			// already did.
			if err := d.scheduleFollowUp(ctx, tx, event); err != nil {
				_ = tx.Rollback()
				return err
			}
		case database.ErrDuplicateEvent:
			// Another dispatcher won the ledger insert; fall through to
			// retire the row.
		default:
			_ = tx.Rollback()
			return err
		}
	}

	if _, err := d.datasource.MarkOutboxEventProcessedTx(ctx, tx, event.EventID); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	d.rememberPublished(ctx, key)
	queueWebhook(event)
	return nil
}

// scheduleFollowUp appends the delayed action an event implies, inside the
// same transaction that retires the event. Creation starts the escalation
// clock; resolution starts the closure clock. Escalation follow-ups are
// written by the worker's own transition transaction, not here.
func (d *Dispatcher) scheduleFollowUp(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) error {
	payload, err := model.DecodePayload(event.EventType, event.Payload)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case model.CreatedPayload:
		raw, err := model.MarshalPayload(model.EscalationDuePayload{
			ComplaintID:     p.ComplaintID,
			AssignedTo:      p.IsAssignedTo,
			EscalationLevel: 0,
		})
		if err != nil {
			return err
		}
		_, err = d.datasource.RecordOutboxEventTx(ctx, tx, &model.OutboxEvent{
			EventType:    model.EventEscalationDue,
			Payload:      raw,
			ProcessAfter: d.now().Add(d.dueOffset),
		})
		return err
	case model.ResolvedPayload:
		raw, err := model.MarshalPayload(model.ClosureDuePayload{
			ComplaintID: p.ComplaintID,
			CreatedBy:   p.CreatedBy,
		})
		if err != nil {
			return err
		}
		_, err = d.datasource.RecordOutboxEventTx(ctx, tx, &model.OutboxEvent{
			EventType:    model.EventClosureDue,
			Payload:      raw,
			ProcessAfter: d.now().Add(d.closureDue),
		})
		return err
	default:
		return nil
	}
}

// alreadyPublished consults the cache fast path, then the authoritative
// ledger. A cache miss never skips the ledger check.
func (d *Dispatcher) alreadyPublished(ctx context.Context, key string) (bool, error) {
	if d.cache != nil {
		var seen bool
		if err := d.cache.Get(ctx, dedupCacheKey(key), &seen); err == nil && seen {
			return true, nil
		}
	}
	return d.datasource.HasProcessedEvent(ctx, key)
}

func (d *Dispatcher) rememberPublished(ctx context.Context, key string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, dedupCacheKey(key), true, dedupCacheTTL); err != nil {
		logrus.Debugf("dedup cache set failed for %s: %v", key, err)
	}
}

func dedupCacheKey(key string) string {
	return "dedup:" + key
}

func notifyWorkItem(eventID string, p model.NotifyResolverPayload) *model.WorkItem {
	return &model.WorkItem{
		EventType:   model.WorkResolverNotification,
		EventID:     eventID,
		ComplaintID: p.ComplaintID,
		DelegatedTo: p.DelegatedTo,
		Phone:       p.Phone,
		Message:     p.Message,
	}
}
