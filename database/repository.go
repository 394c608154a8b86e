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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/redresshq/redress/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	outbox    // Interface for outbox and dedup ledger operations
	complaint // Interface for complaint-related operations
	handler   // Interface for the ranked handler chain

	// BeginTx opens a store transaction for multi-statement transitions.
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

// outbox defines methods for the transactional outbox and the dedup ledger.
type outbox interface {
	// RecordOutboxEvent inserts a PENDING outbox row; the Tx variant runs
	// inside an already-open transaction.
	RecordOutboxEvent(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error)
	RecordOutboxEventTx(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) (*model.OutboxEvent, error)

	// PollOutboxEvents reads up to limit PENDING rows ordered by process_after.
	PollOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	GetOutboxEvent(ctx context.Context, eventID string) (*model.OutboxEvent, error)

	// MarkOutboxEventProcessed conditionally transitions a row from PENDING
	// to PROCESSED and reports whether this caller won the claim.
	MarkOutboxEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkOutboxEventProcessedTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error)

	// MarkOutboxEventPending redrives a row after retry exhaustion.
	MarkOutboxEventPending(ctx context.Context, eventID string) error

	// MarkDueEventsProcessed cancels a complaint's outstanding due rows.
	MarkDueEventsProcessed(ctx context.Context, tx *sql.Tx, complaintID string, types []model.EventType) error

	// InsertProcessedEvent creates a dedup ledger entry and returns
	// ErrDuplicateEvent on replay; HasProcessedEvent checks the ledger.
	InsertProcessedEvent(ctx context.Context, tx *sql.Tx, idempotencyKey string) error
	HasProcessedEvent(ctx context.Context, idempotencyKey string) (bool, error)
}

// complaint defines methods for handling complaints.
type complaint interface {
	CreateComplaint(ctx context.Context, cmp *model.Complaint) (*model.Complaint, error)
	CreateComplaintTx(ctx context.Context, tx *sql.Tx, cmp *model.Complaint) (*model.Complaint, error)
	GetComplaint(ctx context.Context, complaintID string) (*model.Complaint, error)
	GetComplaintForUpdate(ctx context.Context, tx *sql.Tx, complaintID string) (*model.Complaint, error)
	UpdateComplaintAssignment(ctx context.Context, tx *sql.Tx, complaintID, assignedTo, previouslyAssignedTo string, level int, expiresAt time.Time) error
	UpdateComplaintStatus(ctx context.Context, tx *sql.Tx, complaintID, status string) error
	UpdateComplaintDelegation(ctx context.Context, tx *sql.Tx, complaintID, delegatedTo string) error
	ReopenComplaint(ctx context.Context, tx *sql.Tx, complaintID string, expiresAt time.Time) error
	UpdateComplaintDescription(ctx context.Context, tx *sql.Tx, complaintID, description string) error
	DeleteComplaint(ctx context.Context, tx *sql.Tx, complaintID string) error
	RecordComplaintHistory(ctx context.Context, tx *sql.Tx, history *model.ComplaintHistory) error
	GetComplaintHistory(ctx context.Context, complaintID string) ([]model.ComplaintHistory, error)
}

// handler defines methods for the ranked escalation chain.
type handler interface {
	CreateHandler(ctx context.Context, h *model.Handler) (*model.Handler, error)
	GetHandlerByUserID(ctx context.Context, userID string) (*model.Handler, error)
	GetFirstHandler(ctx context.Context, location string) (*model.Handler, error)
	GetNextHandler(ctx context.Context, tx *sql.Tx, location string, currentRank int) (*model.Handler, error)
}
