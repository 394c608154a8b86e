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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redresshq/redress/model"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock, *fakeBus, *WorkQueue) {
	t.Helper()
	queue, mr, _ := newTestQueue(t)
	cnf := testConfig(mr.Addr())
	ds, mock := newTestDataSource(t)
	bus := newFakeBus()
	return NewDispatcher(cnf, ds, bus, queue, nil), mock, bus, queue
}

func createdEvent(t *testing.T, eventID string) *model.OutboxEvent {
	t.Helper()
	raw, err := model.MarshalPayload(model.CreatedPayload{
		ComplaintID:  "cmp_1",
		Code:         "CMP-001",
		Description:  "water leakage",
		Location:     "block-a",
		IsAssignedTo: "handler-1",
		CreatedBy:    "user-1",
	})
	require.NoError(t, err)
	return &model.OutboxEvent{
		EventID:      eventID,
		EventType:    model.EventComplaintCreated,
		Payload:      raw,
		Status:       model.StatusPending,
		ProcessAfter: time.Now(),
	}
}

func TestDispatcherPublishesExactlyOnce(t *testing.T) {
	d, mock, bus, _ := newTestDispatcher(t)
	event := createdEvent(t, "evt_1")
	key := IdempotencyKey(event.EventID, event.EventType)

	// First pass: ledger insert wins, publish happens, follow-up scheduled.
	mock.ExpectQuery("SELECT EXISTS").WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").WithArgs(key).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventEscalationDue), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.HandleEvent(context.Background(), event))
	assert.Equal(t, 1, bus.publishCount(ChannelCreation))

	// Replay of the same row: ledger hit masks the publish, no new follow-up.
	mock.ExpectQuery("SELECT EXISTS").WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, d.HandleEvent(context.Background(), event))
	assert.Equal(t, 1, bus.publishCount(ChannelCreation))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherConcurrentLedgerInsertLoses(t *testing.T) {
	d, mock, bus, _ := newTestDispatcher(t)
	event := createdEvent(t, "evt_2")
	key := IdempotencyKey(event.EventID, event.EventType)

	// The fast-path check misses but another dispatcher commits the ledger
	// row first; the unique constraint masks the publish.
	mock.ExpectQuery("SELECT EXISTS").WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").WithArgs(key).
		WillReturnError(uniqueViolation())
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.HandleEvent(context.Background(), event))
	assert.Equal(t, 0, bus.publishCount(ChannelCreation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherRetryThenSucceed(t *testing.T) {
	d, mock, bus, _ := newTestDispatcher(t)
	event := createdEvent(t, "evt_3")
	key := IdempotencyKey(event.EventID, event.EventType)

	// Two transient failures, then a clean pass.
	mock.ExpectQuery("SELECT EXISTS").WithArgs(key).WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(key).WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").WithArgs(key).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventEscalationDue), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.processWithBackoff(context.Background(), event))
	assert.Equal(t, 1, bus.publishCount(ChannelCreation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherRetryExhaustionRedrives(t *testing.T) {
	d, mock, _, _ := newTestDispatcher(t)
	event := createdEvent(t, "evt_4")
	key := IdempotencyKey(event.EventID, event.EventType)

	// Initial attempt plus maxRetries retries, all failing.
	for i := uint64(0); i <= d.maxRetries; i++ {
		mock.ExpectQuery("SELECT EXISTS").WithArgs(key).WillReturnError(errors.New("store down"))
	}
	mock.ExpectExec("UPDATE outbox_events SET status = 'PENDING'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.processWithBackoff(context.Background(), event)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func dueEvent(t *testing.T, eventID string, processAfter time.Time) *model.OutboxEvent {
	t.Helper()
	raw, err := model.MarshalPayload(model.EscalationDuePayload{
		ComplaintID:     "cmp_1",
		AssignedTo:      "handler-1",
		EscalationLevel: 0,
	})
	require.NoError(t, err)
	return &model.OutboxEvent{
		EventID:      eventID,
		EventType:    model.EventEscalationDue,
		Payload:      raw,
		Status:       model.StatusPending,
		ProcessAfter: processAfter,
	}
}

func TestDispatcherDueTimeGating(t *testing.T) {
	d, mock, _, queue := newTestDispatcher(t)
	ctx := context.Background()

	base := time.Now()
	event := dueEvent(t, "evt_due", base.Add(2*time.Second))

	// Not yet due: untouched across repeated polls.
	d.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, d.HandleEvent(ctx, event))
	}
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Past due: promoted exactly once.
	d.now = func() time.Time { return base.Add(3 * time.Second) }
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.HandleEvent(ctx, event))

	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// A redelivered copy loses the conditional claim and pushes nothing.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, d.HandleEvent(ctx, event))

	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	reserved, err := queue.Reserve(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, reserved)
	assert.Equal(t, model.WorkEscalation, reserved.Item.EventType)
	assert.Equal(t, "cmp_1", reserved.Item.ComplaintID)
	assert.Equal(t, "handler-1", reserved.Item.AssignedTo)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherPromotesResolverNotification(t *testing.T) {
	d, mock, _, queue := newTestDispatcher(t)
	ctx := context.Background()

	raw, err := model.MarshalPayload(model.NotifyResolverPayload{
		ComplaintID: "cmp_9",
		DelegatedTo: "resolver-1",
		Phone:       "+15550001",
		Message:     "complaint delegated to you",
	})
	require.NoError(t, err)
	event := &model.OutboxEvent{
		EventID:      "evt_notify",
		EventType:    model.EventNotifyResolver,
		Payload:      raw,
		Status:       model.StatusPending,
		ProcessAfter: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.HandleEvent(ctx, event))

	reserved, err := queue.Reserve(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, reserved)
	assert.Equal(t, model.WorkResolverNotification, reserved.Item.EventType)
	assert.Equal(t, "+15550001", reserved.Item.Phone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherIgnoresUnknownEventType(t *testing.T) {
	d, mock, bus, _ := newTestDispatcher(t)

	event := &model.OutboxEvent{
		EventID:      "evt_odd",
		EventType:    model.EventType("complaint_teleported"),
		Payload:      json.RawMessage(`{}`),
		Status:       model.StatusPending,
		ProcessAfter: time.Now(),
	}

	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.HandleEvent(context.Background(), event))
	assert.Zero(t, bus.publishCount(ChannelCreation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherSchedulesClosureAfterResolution(t *testing.T) {
	d, mock, bus, _ := newTestDispatcher(t)

	raw, err := model.MarshalPayload(model.ResolvedPayload{
		ComplaintID:  "cmp_5",
		ResolvedBy:   "handler-2",
		IsAssignedTo: "handler-2",
		CreatedBy:    "user-7",
	})
	require.NoError(t, err)
	event := &model.OutboxEvent{
		EventID:      "evt_res",
		EventType:    model.EventComplaintResolved,
		Payload:      raw,
		Status:       model.StatusPending,
		ProcessAfter: time.Now(),
	}
	key := IdempotencyKey(event.EventID, event.EventType)

	mock.ExpectQuery("SELECT EXISTS").WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").WithArgs(key).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventClosureDue), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE outbox_events SET status = 'PROCESSED'").WithArgs(event.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.HandleEvent(context.Background(), event))
	assert.Equal(t, 1, bus.publishCount(ChannelResolution))
	assert.NoError(t, mock.ExpectationsWereMet())
}
