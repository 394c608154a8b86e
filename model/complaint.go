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

package model

import "time"

const (
	// StatusAssigned is the initial state of a complaint after it has been
	// routed to the first-ranked handler for its location.
	StatusAssigned = "ASSIGNED"
	// StatusRecreated marks a complaint that was reopened by its requester.
	StatusRecreated = "RECREATED"
	// StatusDelegated marks a complaint handed to a named resolver.
	StatusDelegated = "DELEGATED"
	// StatusEscalated marks a complaint that has been moved up the handler
	// chain and is still awaiting resolution.
	StatusEscalated = "ESCALATED"
	StatusResolved  = "RESOLVED"
	StatusClosed    = "CLOSED"
)

// Complaint is the domain entity coordinated by the event core. Reads of a
// complaint outside a transaction are treated as possibly stale; every state
// transition re-validates its preconditions inside the transaction that
// performs it.
type Complaint struct {
	ComplaintID          string                 `json:"complaint_id"`
	Code                 string                 `json:"code"`
	Description          string                 `json:"description"`
	Location             string                 `json:"location"`
	Status               string                 `json:"status"`
	AssignedTo           string                 `json:"assigned_to"`
	PreviouslyAssignedTo string                 `json:"previously_assigned_to,omitempty"`
	DelegatedTo          string                 `json:"delegated_to,omitempty"`
	EscalationLevel      int                    `json:"escalation_level"`
	ExpiresAt            time.Time              `json:"expires_at"`
	CreatedBy            string                 `json:"created_by"`
	CreatedAt            time.Time              `json:"created_at"`
	MetaData             map[string]interface{} `json:"meta_data,omitempty"`
}

// Terminal reports whether the complaint can no longer be escalated or
// delegated. Resolved complaints are terminal for escalation purposes even
// though closure is still pending.
func (c *Complaint) Terminal() bool {
	return c.Status == StatusResolved || c.Status == StatusClosed
}

// Escalatable reports whether the expiry clock applies to the complaint in
// its current state.
func (c *Complaint) Escalatable() bool {
	switch c.Status {
	case StatusAssigned, StatusRecreated, StatusEscalated:
		return true
	default:
		return false
	}
}

// ComplaintHistory is an append-only record of a state transition.
type ComplaintHistory struct {
	HistoryID   string    `json:"history_id"`
	ComplaintID string    `json:"complaint_id"`
	Status      string    `json:"status"`
	Actor       string    `json:"actor"`
	Remark      string    `json:"remark"`
	CreatedAt   time.Time `json:"created_at"`
}

// Handler is one link in the ranked escalation chain for a location. Rank 1
// receives new complaints; escalation walks up the ranks.
type Handler struct {
	HandlerID string `json:"handler_id"`
	UserID    string `json:"user_id"`
	Location  string `json:"location"`
	Rank      int    `json:"rank"`
	Phone     string `json:"phone"`
}
