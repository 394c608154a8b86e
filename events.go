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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/redresshq/redress/model"
)

// Bus channels, named for the domain concept rather than the event type.
const (
	ChannelCreation   = "creation"
	ChannelUpdation   = "updation"
	ChannelDeletion   = "deletion"
	ChannelDelegation = "delegation"
	ChannelEscalation = "escalation"
	ChannelResolution = "resolution"
	ChannelClosure    = "closure"
)

// ChannelForEvent maps a publishable outbox event type to its bus channel.
// Due and promotion-only types return false: they never reach the bus.
func ChannelForEvent(eventType model.EventType) (string, bool) {
	switch eventType {
	case model.EventComplaintCreated, model.EventComplaintRecreated:
		return ChannelCreation, true
	case model.EventComplaintUpdated:
		return ChannelUpdation, true
	case model.EventComplaintDeleted:
		return ChannelDeletion, true
	case model.EventComplaintDelegated:
		return ChannelDelegation, true
	case model.EventComplaintEscalated:
		return ChannelEscalation, true
	case model.EventComplaintResolved:
		return ChannelResolution, true
	case model.EventComplaintClosed:
		return ChannelClosure, true
	case model.EventEscalationDue, model.EventClosureDue, model.EventNotifyResolver:
		return "", false
	default:
		return "", false
	}
}

// IdempotencyKey derives the deterministic publication identifier for an
// outbox row. Re-processing the same row always yields the same key, which
// is what lets the dedup ledger mask duplicate deliveries.
func IdempotencyKey(eventID string, eventType model.EventType) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", eventID, eventType)))
	return hex.EncodeToString(sum[:])
}
