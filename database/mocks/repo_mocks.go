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
package mocks

import (
	"context"
	"database/sql"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/redresshq/redress/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) BeginTx(ctx context.Context) (*sql.Tx, error) {
	args := m.Called(ctx)
	tx, _ := args.Get(0).(*sql.Tx)
	return tx, args.Error(1)
}

// Outbox and dedup ledger methods

func (m *MockDataSource) RecordOutboxEvent(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error) {
	args := m.Called(ctx, event)
	evt, _ := args.Get(0).(*model.OutboxEvent)
	return evt, args.Error(1)
}

func (m *MockDataSource) RecordOutboxEventTx(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) (*model.OutboxEvent, error) {
	args := m.Called(ctx, tx, event)
	evt, _ := args.Get(0).(*model.OutboxEvent)
	return evt, args.Error(1)
}

func (m *MockDataSource) PollOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	events, _ := args.Get(0).([]*model.OutboxEvent)
	return events, args.Error(1)
}

func (m *MockDataSource) GetOutboxEvent(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	args := m.Called(ctx, eventID)
	evt, _ := args.Get(0).(*model.OutboxEvent)
	return evt, args.Error(1)
}

func (m *MockDataSource) MarkOutboxEventProcessed(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) MarkOutboxEventProcessedTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	args := m.Called(ctx, tx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) MarkOutboxEventPending(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockDataSource) MarkDueEventsProcessed(ctx context.Context, tx *sql.Tx, complaintID string, types []model.EventType) error {
	args := m.Called(ctx, tx, complaintID, types)
	return args.Error(0)
}

func (m *MockDataSource) InsertProcessedEvent(ctx context.Context, tx *sql.Tx, idempotencyKey string) error {
	args := m.Called(ctx, tx, idempotencyKey)
	return args.Error(0)
}

func (m *MockDataSource) HasProcessedEvent(ctx context.Context, idempotencyKey string) (bool, error) {
	args := m.Called(ctx, idempotencyKey)
	return args.Bool(0), args.Error(1)
}

// Complaint methods

func (m *MockDataSource) CreateComplaint(ctx context.Context, cmp *model.Complaint) (*model.Complaint, error) {
	args := m.Called(ctx, cmp)
	c, _ := args.Get(0).(*model.Complaint)
	return c, args.Error(1)
}

func (m *MockDataSource) CreateComplaintTx(ctx context.Context, tx *sql.Tx, cmp *model.Complaint) (*model.Complaint, error) {
	args := m.Called(ctx, tx, cmp)
	c, _ := args.Get(0).(*model.Complaint)
	return c, args.Error(1)
}

func (m *MockDataSource) GetComplaint(ctx context.Context, complaintID string) (*model.Complaint, error) {
	args := m.Called(ctx, complaintID)
	c, _ := args.Get(0).(*model.Complaint)
	return c, args.Error(1)
}

func (m *MockDataSource) GetComplaintForUpdate(ctx context.Context, tx *sql.Tx, complaintID string) (*model.Complaint, error) {
	args := m.Called(ctx, tx, complaintID)
	c, _ := args.Get(0).(*model.Complaint)
	return c, args.Error(1)
}

func (m *MockDataSource) UpdateComplaintAssignment(ctx context.Context, tx *sql.Tx, complaintID, assignedTo, previouslyAssignedTo string, level int, expiresAt time.Time) error {
	args := m.Called(ctx, tx, complaintID, assignedTo, previouslyAssignedTo, level, expiresAt)
	return args.Error(0)
}

func (m *MockDataSource) UpdateComplaintStatus(ctx context.Context, tx *sql.Tx, complaintID, status string) error {
	args := m.Called(ctx, tx, complaintID, status)
	return args.Error(0)
}

func (m *MockDataSource) UpdateComplaintDelegation(ctx context.Context, tx *sql.Tx, complaintID, delegatedTo string) error {
	args := m.Called(ctx, tx, complaintID, delegatedTo)
	return args.Error(0)
}

func (m *MockDataSource) ReopenComplaint(ctx context.Context, tx *sql.Tx, complaintID string, expiresAt time.Time) error {
	args := m.Called(ctx, tx, complaintID, expiresAt)
	return args.Error(0)
}

func (m *MockDataSource) UpdateComplaintDescription(ctx context.Context, tx *sql.Tx, complaintID, description string) error {
	args := m.Called(ctx, tx, complaintID, description)
	return args.Error(0)
}

func (m *MockDataSource) DeleteComplaint(ctx context.Context, tx *sql.Tx, complaintID string) error {
	args := m.Called(ctx, tx, complaintID)
	return args.Error(0)
}

func (m *MockDataSource) RecordComplaintHistory(ctx context.Context, tx *sql.Tx, history *model.ComplaintHistory) error {
	args := m.Called(ctx, tx, history)
	return args.Error(0)
}

func (m *MockDataSource) GetComplaintHistory(ctx context.Context, complaintID string) ([]model.ComplaintHistory, error) {
	args := m.Called(ctx, complaintID)
	history, _ := args.Get(0).([]model.ComplaintHistory)
	return history, args.Error(1)
}

// Handler chain methods

func (m *MockDataSource) CreateHandler(ctx context.Context, h *model.Handler) (*model.Handler, error) {
	args := m.Called(ctx, h)
	handler, _ := args.Get(0).(*model.Handler)
	return handler, args.Error(1)
}

func (m *MockDataSource) GetHandlerByUserID(ctx context.Context, userID string) (*model.Handler, error) {
	args := m.Called(ctx, userID)
	handler, _ := args.Get(0).(*model.Handler)
	return handler, args.Error(1)
}

func (m *MockDataSource) GetFirstHandler(ctx context.Context, location string) (*model.Handler, error) {
	args := m.Called(ctx, location)
	handler, _ := args.Get(0).(*model.Handler)
	return handler, args.Error(1)
}

func (m *MockDataSource) GetNextHandler(ctx context.Context, tx *sql.Tx, location string, currentRank int) (*model.Handler, error) {
	args := m.Called(ctx, tx, location, currentRank)
	handler, _ := args.Get(0).(*model.Handler)
	return handler, args.Error(1)
}
