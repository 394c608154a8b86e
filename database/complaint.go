package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/redresshq/redress/model"
)

// CreateComplaint inserts a new Complaint. The caller is expected to pair it
// with an outbox insert in the same transaction via the redress service
// layer; this method exists for bootstrap and tests.
func (d Datasource) CreateComplaint(ctx context.Context, cmp *model.Complaint) (*model.Complaint, error) {
	metaDataJSON, err := json.Marshal(cmp.MetaData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metadata")
	}

	if cmp.ComplaintID == "" {
		cmp.ComplaintID = GenerateUUIDWithSuffix("cmp")
	}
	if cmp.CreatedAt.IsZero() {
		cmp.CreatedAt = time.Now()
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO complaints (complaint_id, code, description, location, status, assigned_to, previously_assigned_to, delegated_to, escalation_level, expires_at, created_by, created_at, meta_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		cmp.ComplaintID, cmp.Code, cmp.Description, cmp.Location, cmp.Status, cmp.AssignedTo, cmp.PreviouslyAssignedTo, cmp.DelegatedTo, cmp.EscalationLevel, cmp.ExpiresAt, cmp.CreatedBy, cmp.CreatedAt, metaDataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create complaint")
	}
	return cmp, nil
}

// CreateComplaintTx inserts a new Complaint inside an open transaction so
// the entity and its outbox row commit together.
func (d Datasource) CreateComplaintTx(ctx context.Context, tx *sql.Tx, cmp *model.Complaint) (*model.Complaint, error) {
	metaDataJSON, err := json.Marshal(cmp.MetaData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metadata")
	}

	if cmp.ComplaintID == "" {
		cmp.ComplaintID = GenerateUUIDWithSuffix("cmp")
	}
	if cmp.CreatedAt.IsZero() {
		cmp.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO complaints (complaint_id, code, description, location, status, assigned_to, previously_assigned_to, delegated_to, escalation_level, expires_at, created_by, created_at, meta_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		cmp.ComplaintID, cmp.Code, cmp.Description, cmp.Location, cmp.Status, cmp.AssignedTo, cmp.PreviouslyAssignedTo, cmp.DelegatedTo, cmp.EscalationLevel, cmp.ExpiresAt, cmp.CreatedBy, cmp.CreatedAt, metaDataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create complaint")
	}
	return cmp, nil
}

func (d Datasource) GetComplaint(ctx context.Context, complaintID string) (*model.Complaint, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT complaint_id, code, description, location, status, assigned_to, previously_assigned_to, delegated_to, escalation_level, expires_at, created_by, created_at, meta_data
		FROM complaints
		WHERE complaint_id = $1
	`, complaintID)
	return scanComplaint(row)
}

// GetComplaintForUpdate reads a complaint with a row lock inside tx. Worker
// transitions use it to re-validate preconditions against a fresh read; any
// earlier read of the same complaint is treated as stale.
func (d Datasource) GetComplaintForUpdate(ctx context.Context, tx *sql.Tx, complaintID string) (*model.Complaint, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT complaint_id, code, description, location, status, assigned_to, previously_assigned_to, delegated_to, escalation_level, expires_at, created_by, created_at, meta_data
		FROM complaints
		WHERE complaint_id = $1
		FOR UPDATE
	`, complaintID)
	return scanComplaint(row)
}

func scanComplaint(row *sql.Row) (*model.Complaint, error) {
	cmp := &model.Complaint{}
	var (
		previouslyAssignedTo sql.NullString
		delegatedTo          sql.NullString
		expiresAt            sql.NullTime
		metaDataJSON         []byte
	)
	err := row.Scan(&cmp.ComplaintID, &cmp.Code, &cmp.Description, &cmp.Location, &cmp.Status, &cmp.AssignedTo, &previouslyAssignedTo, &delegatedTo, &cmp.EscalationLevel, &expiresAt, &cmp.CreatedBy, &cmp.CreatedAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to retrieve complaint")
	}
	cmp.PreviouslyAssignedTo = previouslyAssignedTo.String
	cmp.DelegatedTo = delegatedTo.String
	if expiresAt.Valid {
		cmp.ExpiresAt = expiresAt.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &cmp.MetaData); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal metadata")
		}
	}
	return cmp, nil
}

// UpdateComplaintAssignment moves a complaint to a new handler and resets
// the expiry clock. Runs inside the escalation transaction.
func (d Datasource) UpdateComplaintAssignment(ctx context.Context, tx *sql.Tx, complaintID, assignedTo, previouslyAssignedTo string, level int, expiresAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE complaints
		SET assigned_to = $2, previously_assigned_to = $3, escalation_level = $4, expires_at = $5, status = $6
		WHERE complaint_id = $1
	`, complaintID, assignedTo, previouslyAssignedTo, level, expiresAt, model.StatusEscalated)
	return errors.Wrap(err, "failed to update complaint assignment")
}

func (d Datasource) UpdateComplaintStatus(ctx context.Context, tx *sql.Tx, complaintID, status string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE complaints SET status = $2 WHERE complaint_id = $1`,
		complaintID, status,
	)
	return errors.Wrap(err, "failed to update complaint status")
}

// UpdateComplaintDelegation hands the complaint to a named resolver.
func (d Datasource) UpdateComplaintDelegation(ctx context.Context, tx *sql.Tx, complaintID, delegatedTo string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE complaints SET delegated_to = $2, status = $3 WHERE complaint_id = $1`,
		complaintID, delegatedTo, model.StatusDelegated,
	)
	return errors.Wrap(err, "failed to delegate complaint")
}

// ReopenComplaint resets a terminal complaint back to RECREATED with a
// fresh expiry clock and a cleared delegation.
func (d Datasource) ReopenComplaint(ctx context.Context, tx *sql.Tx, complaintID string, expiresAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE complaints
		SET status = $2, escalation_level = 0, expires_at = $3, delegated_to = NULL
		WHERE complaint_id = $1
	`, complaintID, model.StatusRecreated, expiresAt)
	return errors.Wrap(err, "failed to reopen complaint")
}

func (d Datasource) UpdateComplaintDescription(ctx context.Context, tx *sql.Tx, complaintID, description string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE complaints SET description = $2 WHERE complaint_id = $1`,
		complaintID, description,
	)
	return errors.Wrap(err, "failed to update complaint description")
}

func (d Datasource) DeleteComplaint(ctx context.Context, tx *sql.Tx, complaintID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM complaint_history WHERE complaint_id = $1`, complaintID)
	if err != nil {
		return errors.Wrap(err, "failed to delete complaint history")
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM complaints WHERE complaint_id = $1`, complaintID)
	return errors.Wrap(err, "failed to delete complaint")
}

func (d Datasource) RecordComplaintHistory(ctx context.Context, tx *sql.Tx, history *model.ComplaintHistory) error {
	if history.HistoryID == "" {
		history.HistoryID = GenerateUUIDWithSuffix("hist")
	}
	if history.CreatedAt.IsZero() {
		history.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO complaint_history (history_id, complaint_id, status, actor, remark, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		history.HistoryID, history.ComplaintID, history.Status, history.Actor, history.Remark, history.CreatedAt,
	)
	return errors.Wrap(err, "failed to record complaint history")
}

func (d Datasource) GetComplaintHistory(ctx context.Context, complaintID string) ([]model.ComplaintHistory, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT history_id, complaint_id, status, actor, remark, created_at
		FROM complaint_history
		WHERE complaint_id = $1
		ORDER BY id ASC
	`, complaintID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve complaint history")
	}
	defer rows.Close()

	var history []model.ComplaintHistory
	for rows.Next() {
		var h model.ComplaintHistory
		err = rows.Scan(&h.HistoryID, &h.ComplaintID, &h.Status, &h.Actor, &h.Remark, &h.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan complaint history")
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (d Datasource) CreateHandler(ctx context.Context, h *model.Handler) (*model.Handler, error) {
	if h.HandlerID == "" {
		h.HandlerID = GenerateUUIDWithSuffix("hdl")
	}
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO handlers (handler_id, user_id, location, rank, phone) VALUES ($1,$2,$3,$4,$5)`,
		h.HandlerID, h.UserID, h.Location, h.Rank, h.Phone,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create handler")
	}
	return h, nil
}

func (d Datasource) GetHandlerByUserID(ctx context.Context, userID string) (*model.Handler, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT handler_id, user_id, location, rank, phone FROM handlers WHERE user_id = $1
	`, userID)
	return scanHandler(row)
}

// GetFirstHandler returns the rank-1 handler for a location, the initial
// assignee of new complaints.
func (d Datasource) GetFirstHandler(ctx context.Context, location string) (*model.Handler, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT handler_id, user_id, location, rank, phone
		FROM handlers
		WHERE location = $1
		ORDER BY rank ASC
		LIMIT 1
	`, location)
	return scanHandler(row)
}

// GetNextHandler returns the lowest-ranked handler above currentRank at the
// same location, or ErrNotFound when the chain is exhausted.
func (d Datasource) GetNextHandler(ctx context.Context, tx *sql.Tx, location string, currentRank int) (*model.Handler, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT handler_id, user_id, location, rank, phone
		FROM handlers
		WHERE location = $1 AND rank > $2
		ORDER BY rank ASC
		LIMIT 1
	`, location, currentRank)
	return scanHandler(row)
}

func scanHandler(row *sql.Row) (*model.Handler, error) {
	h := &model.Handler{}
	var phone sql.NullString
	err := row.Scan(&h.HandlerID, &h.UserID, &h.Location, &h.Rank, &phone)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to retrieve handler")
	}
	h.Phone = phone.String
	return h, nil
}
