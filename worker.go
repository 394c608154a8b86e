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
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/database"
	"github.com/redresshq/redress/internal/notification"
	"github.com/redresshq/redress/model"
)

// Worker consumes reserved work items and performs the state transition each
// one names inside a single store transaction. The reservation is
// acknowledged only after that transaction commits; a crash between commit
// and ack leaves the item in the processing list, where the recovery pass
// re-delivers it and the transition's own precondition checks make the
// replay a no-op.
type Worker struct {
	datasource database.IDataSource
	queue      *WorkQueue
	sms        SmsSender
	smsQueue   SmsQueuer

	maxLevel     int
	dueOffset    time.Duration
	closureDue   time.Duration
	idleSleep    time.Duration
	blockTimeout time.Duration

	now func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewWorker(conf *config.Configuration, ds database.IDataSource, queue *WorkQueue, sms SmsSender, smsQueue SmsQueuer) *Worker {
	if sms == nil {
		sms = GatewaySms{}
	}
	if smsQueue == nil {
		smsQueue = AsynqSms{}
	}
	return &Worker{
		datasource:   ds,
		queue:        queue,
		sms:          sms,
		smsQueue:     smsQueue,
		maxLevel:     conf.Escalation.MaxLevel,
		dueOffset:    conf.Escalation.DueOffset,
		closureDue:   conf.Escalation.ClosureDueOffset,
		idleSleep:    conf.Queue.IdleSleep,
		blockTimeout: conf.Queue.BlockTimeout,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Start recovers abandoned reservations from a previous run, then launches
// the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.recover(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()

	logrus.Info("Work queue worker started")
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logrus.Info("Work queue worker stopped")
}

// recover drains the processing list oldest-first and re-runs each abandoned
// item. An item that fails again stops the pass; it stays reserved so a
// later pass retries it.
func (w *Worker) recover(ctx context.Context) error {
	for {
		reserved, err := w.queue.RecoverAbandoned(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to read abandoned reservations")
		}
		if reserved == nil {
			return nil
		}

		logrus.Infof("Recovering abandoned work item %s", reserved.Item.EventID)
		if err := w.Process(ctx, reserved.Item); err != nil {
			logrus.Errorf("abandoned work item %s failed again: %v", reserved.Item.EventID, err)
			notification.NotifyError(err)
			return nil
		}
		if err := w.queue.Ack(ctx, reserved); err != nil {
			return errors.Wrapf(err, "failed to ack recovered item %s", reserved.Item.EventID)
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		// Check the processing list before blocking on fresh work, so an
		// item whose transition failed on an earlier iteration is
		// redelivered without waiting for a restart.
		reserved, err := w.queue.RecoverAbandoned(ctx)
		if err != nil {
			logrus.Errorf("work queue recovery failed: %v", err)
			time.Sleep(w.idleSleep)
			continue
		}
		if reserved == nil {
			reserved, err = w.queue.Reserve(ctx, w.blockTimeout)
			if err != nil {
				logrus.Errorf("work queue reserve failed: %v", err)
				time.Sleep(w.idleSleep)
				continue
			}
			if reserved == nil {
				continue
			}
		}

		if !w.handleReserved(ctx, reserved) {
			time.Sleep(w.idleSleep)
		}
	}
}

// handleReserved processes one reservation and acknowledges it after the
// transition commits. On failure the item stays reserved and the loop sleeps
// before rediscovering it on its next pass over the processing list.
func (w *Worker) handleReserved(ctx context.Context, reserved *ReservedItem) bool {
	if err := w.Process(ctx, reserved.Item); err != nil {
		logrus.Errorf("work item %s (%s) failed: %v", reserved.Item.EventID, reserved.Item.EventType, err)
		notification.NotifyError(err)
		return false
	}
	if err := w.queue.Ack(ctx, reserved); err != nil {
		logrus.Errorf("failed to ack work item %s: %v", reserved.Item.EventID, err)
		return false
	}
	return true
}

// Process performs the transition a work item names. Replays and stale items
// resolve to nil so the caller acknowledges them.
func (w *Worker) Process(ctx context.Context, item *model.WorkItem) error {
	switch item.EventType {
	case model.WorkEscalation:
		return w.escalate(ctx, item)
	case model.WorkClosure:
		return w.close(ctx, item)
	case model.WorkResolverNotification:
		return w.notifyResolver(ctx, item)
	default:
		logrus.Warnf("discarding work item %s with unknown type %s", item.EventID, item.EventType)
		return nil
	}
}

// escalate moves the complaint to the next-ranked handler for its location.
// The item's snapshot of assignee and level is re-validated against the row
// under lock; any mismatch means a human acted first and the item is stale.
func (w *Worker) escalate(ctx context.Context, item *model.WorkItem) error {
	return w.inTx(ctx, func(tx *sql.Tx) error {
		cmp, err := w.datasource.GetComplaintForUpdate(ctx, tx, item.ComplaintID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				logrus.Infof("complaint %s gone, dropping escalation item", item.ComplaintID)
				return nil
			}
			return err
		}

		if !cmp.Escalatable() || cmp.AssignedTo != item.AssignedTo || cmp.EscalationLevel != item.EscalationLevel {
			logrus.Infof("escalation item for complaint %s is stale, skipping", item.ComplaintID)
			return nil
		}

		next, err := w.datasource.GetNextHandler(ctx, tx, cmp.Location, item.EscalationLevel+1)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		if next == nil || errors.Is(err, database.ErrNotFound) {
			// Chain exhausted before the configured ceiling; go straight
			// to the closure clock.
			return w.scheduleClosure(ctx, tx, cmp)
		}

		newLevel := item.EscalationLevel + 1
		if err := w.datasource.UpdateComplaintAssignment(ctx, tx, cmp.ComplaintID, next.UserID, cmp.AssignedTo, newLevel, w.now().Add(w.dueOffset)); err != nil {
			return err
		}
		if err := w.datasource.RecordComplaintHistory(ctx, tx, &model.ComplaintHistory{
			ComplaintID: cmp.ComplaintID,
			Status:      model.StatusEscalated,
			Actor:       "system",
			Remark:      fmt.Sprintf("escalated from %s to %s (level %d)", cmp.AssignedTo, next.UserID, newLevel),
		}); err != nil {
			return err
		}

		if err := w.recordEventTx(ctx, tx, model.EventComplaintEscalated, model.EscalatedPayload{
			ComplaintID:     cmp.ComplaintID,
			IsAssignedTo:    next.UserID,
			WasAssignedTo:   cmp.AssignedTo,
			EscalationLevel: newLevel,
		}, time.Time{}); err != nil {
			return err
		}

		if newLevel >= w.maxLevel {
			return w.recordEventTx(ctx, tx, model.EventClosureDue, model.ClosureDuePayload{
				ComplaintID: cmp.ComplaintID,
				CreatedBy:   cmp.CreatedBy,
			}, w.now().Add(w.closureDue))
		}
		return w.recordEventTx(ctx, tx, model.EventEscalationDue, model.EscalationDuePayload{
			ComplaintID:     cmp.ComplaintID,
			AssignedTo:      next.UserID,
			EscalationLevel: newLevel,
		}, w.now().Add(w.dueOffset))
	})
}

func (w *Worker) scheduleClosure(ctx context.Context, tx *sql.Tx, cmp *model.Complaint) error {
	return w.recordEventTx(ctx, tx, model.EventClosureDue, model.ClosureDuePayload{
		ComplaintID: cmp.ComplaintID,
		CreatedBy:   cmp.CreatedBy,
	}, w.now().Add(w.closureDue))
}

// close retires the complaint. Already-closed rows make the replayed item a
// no-op; everything else, resolved or escalated past its ceiling, closes.
func (w *Worker) close(ctx context.Context, item *model.WorkItem) error {
	var participants []string
	err := w.inTx(ctx, func(tx *sql.Tx) error {
		cmp, err := w.datasource.GetComplaintForUpdate(ctx, tx, item.ComplaintID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				logrus.Infof("complaint %s gone, dropping closure item", item.ComplaintID)
				return nil
			}
			return err
		}
		if cmp.Status == model.StatusClosed {
			return nil
		}

		remark := "closed after resolution window elapsed"
		if cmp.Status != model.StatusResolved {
			remark = "closed after exhausting the escalation chain"
		}
		participants = []string{cmp.AssignedTo, cmp.DelegatedTo}

		if err := w.datasource.UpdateComplaintStatus(ctx, tx, cmp.ComplaintID, model.StatusClosed); err != nil {
			return err
		}
		if err := w.datasource.RecordComplaintHistory(ctx, tx, &model.ComplaintHistory{
			ComplaintID: cmp.ComplaintID,
			Status:      model.StatusClosed,
			Actor:       "system",
			Remark:      remark,
		}); err != nil {
			return err
		}
		return w.recordEventTx(ctx, tx, model.EventComplaintClosed, model.ClosedPayload{
			ComplaintID:  cmp.ComplaintID,
			IsAssignedTo: cmp.AssignedTo,
			CreatedBy:    cmp.CreatedBy,
			Remark:       remark,
		}, time.Time{})
	})
	if err != nil {
		return err
	}
	w.notifyClosure(ctx, item.ComplaintID, participants)
	return nil
}

// notifyClosure queues texts to the complaint's remaining participants that
// the record was retired. A failed delivery never un-closes anything, so the
// batch is enqueued after the commit and rides the sms queue's own retries.
func (w *Worker) notifyClosure(ctx context.Context, complaintID string, userIDs []string) {
	var phones []string
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		handler, err := w.datasource.GetHandlerByUserID(ctx, userID)
		if err != nil || handler.Phone == "" {
			continue
		}
		phones = append(phones, handler.Phone)
	}
	if len(phones) == 0 {
		return
	}
	w.smsQueue.Queue(phones, fmt.Sprintf("complaint %s has been closed", complaintID))
}

// notifyResolver sends the delegation text before touching the store; only a
// successful send records the delegation fact and lets the item be acked.
func (w *Worker) notifyResolver(ctx context.Context, item *model.WorkItem) error {
	cmp, err := w.datasource.GetComplaint(ctx, item.ComplaintID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logrus.Infof("complaint %s gone, dropping resolver notification", item.ComplaintID)
			return nil
		}
		return err
	}

	if err := w.sms.Send(ctx, item.Phone, item.Message); err != nil {
		return errors.Wrapf(err, "failed to notify resolver %s", item.DelegatedTo)
	}

	return w.inTx(ctx, func(tx *sql.Tx) error {
		return w.recordEventTx(ctx, tx, model.EventComplaintDelegated, model.DelegatedPayload{
			ComplaintID:  item.ComplaintID,
			DelegatedTo:  item.DelegatedTo,
			IsAssignedTo: cmp.AssignedTo,
			CreatedBy:    cmp.CreatedBy,
		}, time.Time{})
	})
}

func (w *Worker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.datasource.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.Errorf("rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func (w *Worker) recordEventTx(ctx context.Context, tx *sql.Tx, eventType model.EventType, payload model.EventPayload, processAfter time.Time) error {
	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = w.datasource.RecordOutboxEventTx(ctx, tx, &model.OutboxEvent{
		EventType:    eventType,
		Payload:      raw,
		ProcessAfter: processAfter,
	})
	return err
}
