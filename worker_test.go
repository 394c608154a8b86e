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
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redresshq/redress/model"
)

type fakeSms struct {
	mu       sync.Mutex
	sent     []string
	failures int
	err      error
}

func (f *fakeSms) Send(_ context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("gateway timeout")
	}
	f.sent = append(f.sent, phone+": "+message)
	return nil
}

func (f *fakeSms) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSmsQueue struct {
	mu     sync.Mutex
	queued []string
}

func (f *fakeSmsQueue) Queue(recipients []string, message string) map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, recipient := range recipients {
		f.queued = append(f.queued, recipient+": "+message)
	}
	return map[string]error{}
}

var complaintColumns = []string{
	"complaint_id", "code", "description", "location", "status",
	"assigned_to", "previously_assigned_to", "delegated_to",
	"escalation_level", "expires_at", "created_by", "created_at", "meta_data",
}

func complaintRow(status, assignedTo string, level int) *sqlmock.Rows {
	return sqlmock.NewRows(complaintColumns).
		AddRow("cmp_1", "CMP-001", "water leakage", "block-a", status,
			assignedTo, nil, nil, level, time.Now(), "user-1", time.Now(), nil)
}

func newTestWorker(t *testing.T) (*Worker, sqlmock.Sqlmock, *WorkQueue, *fakeSms, *fakeSmsQueue) {
	t.Helper()
	queue, mr, _ := newTestQueue(t)
	cnf := testConfig(mr.Addr())
	ds, mock := newTestDataSource(t)
	sms := &fakeSms{}
	texts := &fakeSmsQueue{}
	return NewWorker(cnf, ds, queue, sms, texts), mock, queue, sms, texts
}

func TestWorkerEscalatesToNextHandler(t *testing.T) {
	w, mock, _, _, _ := newTestWorker(t)

	item := &model.WorkItem{
		EventType:       model.WorkEscalation,
		EventID:         "evt_due",
		ComplaintID:     "cmp_1",
		AssignedTo:      "handler-1",
		EscalationLevel: 0,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusAssigned, "handler-1", 0))
	mock.ExpectQuery("FROM handlers").WithArgs("block-a", 1).
		WillReturnRows(sqlmock.NewRows([]string{"handler_id", "user_id", "location", "rank", "phone"}).
			AddRow("hdl_2", "handler-2", "block-a", 2, "+15550002"))
	mock.ExpectExec("UPDATE complaints").
		WithArgs("cmp_1", "handler-2", "handler-1", 1, sqlmock.AnyArg(), model.StatusEscalated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO complaint_history").
		WithArgs(sqlmock.AnyArg(), "cmp_1", model.StatusEscalated, "system", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventComplaintEscalated), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventEscalationDue), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, w.Process(context.Background(), item))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerEscalationAtCeilingSchedulesClosure(t *testing.T) {
	w, mock, _, _, _ := newTestWorker(t)

	// Level 1 -> 2 hits the configured ceiling; the follow-up is a closure
	// clock, not another escalation check.
	item := &model.WorkItem{
		EventType:       model.WorkEscalation,
		EventID:         "evt_due2",
		ComplaintID:     "cmp_1",
		AssignedTo:      "handler-2",
		EscalationLevel: 1,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusEscalated, "handler-2", 1))
	mock.ExpectQuery("FROM handlers").WithArgs("block-a", 2).
		WillReturnRows(sqlmock.NewRows([]string{"handler_id", "user_id", "location", "rank", "phone"}).
			AddRow("hdl_3", "handler-3", "block-a", 3, "+15550003"))
	mock.ExpectExec("UPDATE complaints").
		WithArgs("cmp_1", "handler-3", "handler-2", 2, sqlmock.AnyArg(), model.StatusEscalated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO complaint_history").
		WithArgs(sqlmock.AnyArg(), "cmp_1", model.StatusEscalated, "system", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventComplaintEscalated), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventClosureDue), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, w.Process(context.Background(), item))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerSkipsStaleEscalation(t *testing.T) {
	w, mock, _, _, _ := newTestWorker(t)

	item := &model.WorkItem{
		EventType:       model.WorkEscalation,
		EventID:         "evt_due",
		ComplaintID:     "cmp_1",
		AssignedTo:      "handler-1",
		EscalationLevel: 0,
	}

	// A human resolved the complaint before the due item fired; replaying
	// the item must not escalate.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusResolved, "handler-1", 0))
	mock.ExpectCommit()

	require.NoError(t, w.Process(context.Background(), item))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerClosesResolvedComplaint(t *testing.T) {
	w, mock, _, _, texts := newTestWorker(t)

	item := &model.WorkItem{
		EventType:   model.WorkClosure,
		EventID:     "evt_close",
		ComplaintID: "cmp_1",
		CreatedBy:   "user-1",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusResolved, "handler-1", 0))
	mock.ExpectExec("UPDATE complaints").WithArgs("cmp_1", model.StatusClosed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO complaint_history").
		WithArgs(sqlmock.AnyArg(), "cmp_1", model.StatusClosed, "system", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventComplaintClosed), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM handlers").WithArgs("handler-1").
		WillReturnRows(sqlmock.NewRows([]string{"handler_id", "user_id", "location", "rank", "phone"}).
			AddRow("hdl_1", "handler-1", "block-a", 1, "+15550009"))

	require.NoError(t, w.Process(context.Background(), item))
	require.Len(t, texts.queued, 1)
	assert.Equal(t, "+15550009: complaint cmp_1 has been closed", texts.queued[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerClosureReplayIsNoop(t *testing.T) {
	w, mock, _, _, _ := newTestWorker(t)

	item := &model.WorkItem{
		EventType:   model.WorkClosure,
		EventID:     "evt_close",
		ComplaintID: "cmp_1",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusClosed, "handler-1", 0))
	mock.ExpectCommit()

	require.NoError(t, w.Process(context.Background(), item))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerNotifiesResolver(t *testing.T) {
	w, mock, _, sms, _ := newTestWorker(t)

	item := &model.WorkItem{
		EventType:   model.WorkResolverNotification,
		EventID:     "evt_notify",
		ComplaintID: "cmp_1",
		DelegatedTo: "resolver-1",
		Phone:       "+15550001",
		Message:     "complaint delegated to you",
	}

	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusDelegated, "handler-1", 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventComplaintDelegated), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, w.Process(context.Background(), item))
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "+15550001: complaint delegated to you", sms.sent[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerSendFailureLeavesItemUnacked(t *testing.T) {
	w, mock, queue, sms, _ := newTestWorker(t)
	ctx := context.Background()
	sms.err = errors.New("gateway timeout")

	item := &model.WorkItem{
		EventType:   model.WorkResolverNotification,
		EventID:     "evt_notify",
		ComplaintID: "cmp_1",
		Phone:       "+15550001",
		Message:     "complaint delegated to you",
	}
	require.NoError(t, queue.Push(ctx, item))

	reserved, err := queue.Reserve(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, reserved)

	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusDelegated, "handler-1", 0))

	w.handleReserved(ctx, reserved)

	// The failed send left the item reserved for a later pass.
	abandoned, err := queue.RecoverAbandoned(ctx)
	require.NoError(t, err)
	require.NotNil(t, abandoned)
	assert.Equal(t, "evt_notify", abandoned.Item.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerRedeliversFailedSendWithoutRestart(t *testing.T) {
	w, mock, queue, sms, _ := newTestWorker(t)
	ctx := context.Background()
	sms.failures = 1

	item := &model.WorkItem{
		EventType:   model.WorkResolverNotification,
		EventID:     "evt_retry",
		ComplaintID: "cmp_1",
		DelegatedTo: "resolver-1",
		Phone:       "+15550001",
		Message:     "complaint delegated to you",
	}
	require.NoError(t, queue.Push(ctx, item))

	// The first pass fails at the gateway and parks the item in the
	// processing list; the loop's own recovery check redelivers it and the
	// second send goes through.
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusDelegated, "handler-1", 0))
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusDelegated, "handler-1", 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventComplaintDelegated), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, w.Start(ctx))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sms.sentCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	w.Stop()

	require.Equal(t, 1, sms.sentCount())
	assert.Equal(t, "+15550001: complaint delegated to you", sms.sent[0])

	// Acked after the successful redelivery: nothing left in the processing
	// list.
	abandoned, err := queue.RecoverAbandoned(ctx)
	require.NoError(t, err)
	assert.Nil(t, abandoned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerRecoversAbandonedItem(t *testing.T) {
	w, mock, queue, _, _ := newTestWorker(t)
	ctx := context.Background()

	// Simulate a consumer that crashed between reserve and ack.
	raw, err := json.Marshal(&model.WorkItem{
		EventType:   model.WorkClosure,
		EventID:     "evt_crash",
		ComplaintID: "cmp_1",
	})
	require.NoError(t, err)
	require.NoError(t, queue.Push(ctx, &model.WorkItem{EventType: model.WorkClosure, EventID: "evt_crash", ComplaintID: "cmp_1"}))
	reserved, err := queue.Reserve(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, reserved)
	assert.JSONEq(t, string(raw), reserved.Raw)

	// The transition applies once during recovery; the already-closed guard
	// would absorb any second delivery.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM complaints").WithArgs("cmp_1").
		WillReturnRows(complaintRow(model.StatusResolved, "handler-1", 0))
	mock.ExpectExec("UPDATE complaints").WithArgs("cmp_1", model.StatusClosed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO complaint_history").
		WithArgs(sqlmock.AnyArg(), "cmp_1", model.StatusClosed, "system", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), string(model.EventComplaintClosed), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM handlers").WithArgs("handler-1").
		WillReturnRows(sqlmock.NewRows([]string{"handler_id", "user_id", "location", "rank", "phone"}).
			AddRow("hdl_1", "handler-1", "block-a", 1, nil))

	require.NoError(t, w.recover(ctx))

	// Acked after commit: nothing left to recover.
	abandoned, err := queue.RecoverAbandoned(ctx)
	require.NoError(t, err)
	assert.Nil(t, abandoned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerDropsUnknownItemType(t *testing.T) {
	w, mock, _, _, _ := newTestWorker(t)

	item := &model.WorkItem{EventType: model.WorkItemType("mystery"), EventID: "evt_x"}
	require.NoError(t, w.Process(context.Background(), item))
	assert.NoError(t, mock.ExpectationsWereMet())
}
