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
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/model"
)

// ErrComplaintTerminal is returned when an action targets a complaint that
// is already resolved or closed.
var ErrComplaintTerminal = errors.New("complaint is in a terminal state")

// CreateComplaint routes a new complaint to the first-ranked handler for its
// location and records the creation fact and its publication intent in one
// transaction. The escalation-due follow-up is scheduled by the dispatcher
// when it processes the creation event.
func (r *Redress) CreateComplaint(ctx context.Context, code, description, location, createdBy string) (*model.Complaint, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	first, err := r.datasource.GetFirstHandler(ctx, location)
	if err != nil {
		return nil, errors.Wrapf(err, "no handler chain for location %s", location)
	}

	cmp := &model.Complaint{
		Code:        code,
		Description: description,
		Location:    location,
		Status:      model.StatusAssigned,
		AssignedTo:  first.UserID,
		ExpiresAt:   time.Now().Add(cnf.Escalation.DueOffset),
		CreatedBy:   createdBy,
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.datasource.CreateComplaintTx(ctx, tx, cmp); err != nil {
			return err
		}
		if err := r.datasource.RecordComplaintHistory(ctx, tx, &model.ComplaintHistory{
			ComplaintID: cmp.ComplaintID,
			Status:      model.StatusAssigned,
			Actor:       createdBy,
			Remark:      fmt.Sprintf("assigned to %s", first.UserID),
		}); err != nil {
			return err
		}
		return r.recordEventTx(ctx, tx, model.EventComplaintCreated, model.CreatedPayload{
			ComplaintID:  cmp.ComplaintID,
			Code:         code,
			Description:  description,
			Location:     location,
			IsAssignedTo: first.UserID,
			CreatedBy:    createdBy,
		}, time.Time{})
	})
	if err != nil {
		return nil, err
	}
	return cmp, nil
}

// UpdateComplaint changes the complaint description and publishes the
// update to interested connections.
func (r *Redress) UpdateComplaint(ctx context.Context, complaintID, description, updatedBy string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		cmp, err := r.datasource.GetComplaintForUpdate(ctx, tx, complaintID)
		if err != nil {
			return err
		}
		if cmp.Terminal() {
			return ErrComplaintTerminal
		}
		if err := r.datasource.UpdateComplaintDescription(ctx, tx, complaintID, description); err != nil {
			return err
		}
		return r.recordEventTx(ctx, tx, model.EventComplaintUpdated, model.UpdatedPayload{
			ComplaintID:  complaintID,
			Description:  description,
			IsAssignedTo: cmp.AssignedTo,
			UpdatedBy:    updatedBy,
		}, time.Time{})
	})
}

// DeleteComplaint removes the complaint and cancels its outstanding delayed
// actions so the scheduler never promotes a due row for a dead entity.
func (r *Redress) DeleteComplaint(ctx context.Context, complaintID, deletedBy string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.datasource.GetComplaintForUpdate(ctx, tx, complaintID); err != nil {
			return err
		}
		if err := r.datasource.MarkDueEventsProcessed(ctx, tx, complaintID, []model.EventType{model.EventEscalationDue, model.EventClosureDue}); err != nil {
			return err
		}
		if err := r.datasource.DeleteComplaint(ctx, tx, complaintID); err != nil {
			return err
		}
		return r.recordEventTx(ctx, tx, model.EventComplaintDeleted, model.DeletedPayload{
			ComplaintID: complaintID,
			DeletedBy:   deletedBy,
		}, time.Time{})
	})
}

// RecreateComplaint reopens a resolved or closed complaint. The expiry
// clock restarts and the dispatcher schedules a fresh escalation-due check
// off the recreation event.
func (r *Redress) RecreateComplaint(ctx context.Context, complaintID, createdBy string) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		cmp, err := r.datasource.GetComplaintForUpdate(ctx, tx, complaintID)
		if err != nil {
			return err
		}
		if !cmp.Terminal() {
			return errors.New("only resolved or closed complaints can be recreated")
		}
		if err := r.datasource.ReopenComplaint(ctx, tx, complaintID, time.Now().Add(cnf.Escalation.DueOffset)); err != nil {
			return err
		}
		if err := r.datasource.RecordComplaintHistory(ctx, tx, &model.ComplaintHistory{
			ComplaintID: complaintID,
			Status:      model.StatusRecreated,
			Actor:       createdBy,
			Remark:      "complaint reopened",
		}); err != nil {
			return err
		}
		return r.recordEventTx(ctx, tx, model.EventComplaintRecreated, model.CreatedPayload{
			ComplaintID:  complaintID,
			Code:         cmp.Code,
			Description:  cmp.Description,
			Location:     cmp.Location,
			IsAssignedTo: cmp.AssignedTo,
			CreatedBy:    createdBy,
		}, time.Time{})
	})
}

// DelegateComplaint hands the complaint to a named resolver. Outstanding
// escalation-due rows are cancelled in the same transaction; the resolver
// notification goes through the work queue so the external send happens off
// this call path.
func (r *Redress) DelegateComplaint(ctx context.Context, complaintID, delegateUserID, createdBy string) error {
	delegate, err := r.datasource.GetHandlerByUserID(ctx, delegateUserID)
	if err != nil {
		return errors.Wrapf(err, "delegate %s is not a registered handler", delegateUserID)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		cmp, err := r.datasource.GetComplaintForUpdate(ctx, tx, complaintID)
		if err != nil {
			return err
		}
		if cmp.Terminal() {
			return ErrComplaintTerminal
		}
		if err := r.datasource.UpdateComplaintDelegation(ctx, tx, complaintID, delegateUserID); err != nil {
			return err
		}
		if err := r.datasource.MarkDueEventsProcessed(ctx, tx, complaintID, []model.EventType{model.EventEscalationDue}); err != nil {
			return err
		}
		if err := r.datasource.RecordComplaintHistory(ctx, tx, &model.ComplaintHistory{
			ComplaintID: complaintID,
			Status:      model.StatusDelegated,
			Actor:       createdBy,
			Remark:      fmt.Sprintf("delegated to %s", delegateUserID),
		}); err != nil {
			return err
		}
		return r.recordEventTx(ctx, tx, model.EventNotifyResolver, model.NotifyResolverPayload{
			ComplaintID: complaintID,
			DelegatedTo: delegateUserID,
			Phone:       delegate.Phone,
			Message:     fmt.Sprintf("Complaint %s has been delegated to you for resolution", cmp.Code),
		}, time.Time{})
	})
}

// ResolveComplaint marks the complaint resolved. The matching
// escalation-due row is cancelled with the same conditional update the
// dispatcher uses, so the two sides of the race can never both act on it.
func (r *Redress) ResolveComplaint(ctx context.Context, complaintID, resolvedBy string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		cmp, err := r.datasource.GetComplaintForUpdate(ctx, tx, complaintID)
		if err != nil {
			return err
		}
		if cmp.Terminal() {
			return ErrComplaintTerminal
		}
		if err := r.datasource.UpdateComplaintStatus(ctx, tx, complaintID, model.StatusResolved); err != nil {
			return err
		}
		if err := r.datasource.MarkDueEventsProcessed(ctx, tx, complaintID, []model.EventType{model.EventEscalationDue}); err != nil {
			return err
		}
		if err := r.datasource.RecordComplaintHistory(ctx, tx, &model.ComplaintHistory{
			ComplaintID: complaintID,
			Status:      model.StatusResolved,
			Actor:       resolvedBy,
			Remark:      "complaint resolved",
		}); err != nil {
			return err
		}
		return r.recordEventTx(ctx, tx, model.EventComplaintResolved, model.ResolvedPayload{
			ComplaintID:  complaintID,
			ResolvedBy:   resolvedBy,
			IsAssignedTo: cmp.AssignedTo,
			CreatedBy:    cmp.CreatedBy,
		}, time.Time{})
	})
}

// inTx runs fn inside a store transaction, committing on success and rolling
// back on error.
func (r *Redress) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.datasource.BeginTx(ctx)
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

// recordEventTx serializes a typed payload and appends the outbox row inside
// tx. A zero processAfter means the row is eligible immediately.
func (r *Redress) recordEventTx(ctx context.Context, tx *sql.Tx, eventType model.EventType, payload model.EventPayload, processAfter time.Time) error {
	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = r.datasource.RecordOutboxEventTx(ctx, tx, &model.OutboxEvent{
		EventType:    eventType,
		Payload:      raw,
		ProcessAfter: processAfter,
	})
	return err
}
