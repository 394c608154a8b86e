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

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the shape of an outbox event payload. The set is
// closed; rows written by newer producers with types outside it are ignored
// by the dispatcher.
type EventType string

const (
	EventComplaintCreated   EventType = "complaint_created"
	EventComplaintUpdated   EventType = "complaint_updated"
	EventComplaintDeleted   EventType = "complaint_deleted"
	EventComplaintRecreated EventType = "complaint_recreated"
	EventComplaintDelegated EventType = "complaint_delegated"
	EventComplaintEscalated EventType = "complaint_escalated"
	EventComplaintResolved  EventType = "complaint_resolved"
	EventComplaintClosed    EventType = "complaint_closed"

	// Due events are never published; once their process_after timestamp
	// elapses they are promoted to the work queue instead.
	EventEscalationDue EventType = "complaint_escalation_due"
	EventClosureDue    EventType = "complaint_closure_due"

	// EventNotifyResolver is promoted straight to the work queue so the
	// notification send happens off the dispatcher loop.
	EventNotifyResolver EventType = "notify_resolver"
)

// Due reports whether the event is a delayed action gated on process_after.
func (t EventType) Due() bool {
	return t == EventEscalationDue || t == EventClosureDue
}

const (
	StatusPending   = "PENDING"
	StatusProcessed = "PROCESSED"
)

// OutboxEvent is the append-only record of a fact plus its intended
// publication, written in the same transaction as the fact itself.
type OutboxEvent struct {
	EventID      string          `json:"event_id"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	ProcessAfter time.Time       `json:"process_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EventPayload is the tagged union of per-event payload shapes. Exactly one
// concrete payload type corresponds to each EventType.
type EventPayload interface {
	eventPayload()
}

// CreatedPayload accompanies complaint_created and complaint_recreated.
type CreatedPayload struct {
	ComplaintID  string `json:"complaintId"`
	Code         string `json:"code"`
	Description  string `json:"description"`
	Location     string `json:"location"`
	IsAssignedTo string `json:"isAssignedTo"`
	CreatedBy    string `json:"createdBy"`
}

type UpdatedPayload struct {
	ComplaintID  string `json:"complaintId"`
	Description  string `json:"description"`
	IsAssignedTo string `json:"isAssignedTo"`
	UpdatedBy    string `json:"updatedBy"`
}

type DeletedPayload struct {
	ComplaintID string `json:"complaintId"`
	DeletedBy   string `json:"deletedBy"`
}

type DelegatedPayload struct {
	ComplaintID  string `json:"complaintId"`
	DelegatedTo  string `json:"delegatedTo"`
	IsAssignedTo string `json:"isAssignedTo"`
	CreatedBy    string `json:"createdBy"`
}

// EscalatedPayload carries both the new and the previous assignee so
// assignment-scoped subscribers on either side of the hand-off receive the
// message.
type EscalatedPayload struct {
	ComplaintID     string `json:"complaintId"`
	IsAssignedTo    string `json:"isAssignedTo"`
	WasAssignedTo   string `json:"wasAssignedTo"`
	EscalationLevel int    `json:"escalationLevel"`
}

type ResolvedPayload struct {
	ComplaintID  string `json:"complaintId"`
	ResolvedBy   string `json:"resolvedBy"`
	IsAssignedTo string `json:"isAssignedTo"`
	CreatedBy    string `json:"createdBy"`
}

type ClosedPayload struct {
	ComplaintID  string `json:"complaintId"`
	IsAssignedTo string `json:"isAssignedTo"`
	CreatedBy    string `json:"createdBy"`
	Remark       string `json:"remark"`
}

// EscalationDuePayload carries everything the worker needs to perform the
// escalation without re-reading the store outside its own transaction.
type EscalationDuePayload struct {
	ComplaintID     string `json:"complaintId"`
	AssignedTo      string `json:"assignedTo"`
	EscalationLevel int    `json:"escalationLevel"`
}

type ClosureDuePayload struct {
	ComplaintID string `json:"complaintId"`
	CreatedBy   string `json:"createdBy"`
}

type NotifyResolverPayload struct {
	ComplaintID string `json:"complaintId"`
	DelegatedTo string `json:"delegatedTo"`
	Phone       string `json:"phone"`
	Message     string `json:"message"`
}

func (CreatedPayload) eventPayload()        {}
func (UpdatedPayload) eventPayload()        {}
func (DeletedPayload) eventPayload()        {}
func (DelegatedPayload) eventPayload()      {}
func (EscalatedPayload) eventPayload()      {}
func (ResolvedPayload) eventPayload()       {}
func (ClosedPayload) eventPayload()         {}
func (EscalationDuePayload) eventPayload()  {}
func (ClosureDuePayload) eventPayload()     {}
func (NotifyResolverPayload) eventPayload() {}

// ErrUnknownEventType is returned when an outbox row carries an event type
// outside the closed set. The dispatcher treats it as a no-op.
type ErrUnknownEventType struct {
	EventType EventType
}

func (e ErrUnknownEventType) Error() string {
	return fmt.Sprintf("unknown event type %q", e.EventType)
}

// DecodePayload decodes raw into the payload shape for eventType. The switch
// is exhaustive over the closed event type set.
func DecodePayload(eventType EventType, raw json.RawMessage) (EventPayload, error) {
	var (
		payload EventPayload
		err     error
	)
	switch eventType {
	case EventComplaintCreated, EventComplaintRecreated:
		var p CreatedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventComplaintUpdated:
		var p UpdatedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventComplaintDeleted:
		var p DeletedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventComplaintDelegated:
		var p DelegatedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventComplaintEscalated:
		var p EscalatedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventComplaintResolved:
		var p ResolvedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventComplaintClosed:
		var p ClosedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventEscalationDue:
		var p EscalationDuePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventClosureDue:
		var p ClosureDuePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventNotifyResolver:
		var p NotifyResolverPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, ErrUnknownEventType{EventType: eventType}
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// MarshalPayload serializes a typed payload for storage in the outbox table.
func MarshalPayload(payload EventPayload) (json.RawMessage, error) {
	return json.Marshal(payload)
}

// WorkItemType tags work queue envelopes. It is distinct from the outbox
// EventType: several outbox types can fold into one worker action.
type WorkItemType string

const (
	WorkEscalation           WorkItemType = "escalation"
	WorkClosure              WorkItemType = "closure"
	WorkResolverNotification WorkItemType = "resolver_notification"
)

// WorkItem is the envelope pushed onto the work queue when a due event is
// promoted. EventID links back to the originating outbox row.
type WorkItem struct {
	EventType   WorkItemType `json:"eventType"`
	EventID     string       `json:"id"`
	ComplaintID string       `json:"complaintId"`

	// escalation fields
	AssignedTo      string `json:"assignedTo,omitempty"`
	EscalationLevel int    `json:"escalationLevel,omitempty"`

	// closure fields
	CreatedBy string `json:"createdBy,omitempty"`

	// resolver notification fields
	DelegatedTo string `json:"delegatedTo,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Envelope is the bus message published for a processed outbox event and
// re-serialized verbatim to subscribed connections.
type Envelope struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
}

// Assignment is the subset of an envelope's data used by the fan-out layer
// to filter assignment-scoped subscribers.
type Assignment struct {
	IsAssignedTo  string `json:"isAssignedTo"`
	WasAssignedTo string `json:"wasAssignedTo"`
}
