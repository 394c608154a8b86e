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
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateComplaint is the request body for lodging a new complaint.
type CreateComplaint struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Location    string `json:"location"`
	CreatedBy   string `json:"created_by"`
}

func (c CreateComplaint) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Code, validation.Required),
		validation.Field(&c.Description, validation.Required),
		validation.Field(&c.Location, validation.Required),
		validation.Field(&c.CreatedBy, validation.Required),
	)
}

// UpdateComplaint is the request body for editing a complaint description.
type UpdateComplaint struct {
	Description string `json:"description"`
	UpdatedBy   string `json:"updated_by"`
}

func (u UpdateComplaint) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.Description, validation.Required),
		validation.Field(&u.UpdatedBy, validation.Required),
	)
}

// DelegateComplaint names the resolver a complaint is handed to.
type DelegateComplaint struct {
	DelegateTo string `json:"delegate_to"`
	CreatedBy  string `json:"created_by"`
}

func (d DelegateComplaint) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.DelegateTo, validation.Required),
		validation.Field(&d.CreatedBy, validation.Required),
	)
}

// ActorRequest covers the actions that only need to know who acted.
type ActorRequest struct {
	Actor string `json:"actor"`
}

func (a ActorRequest) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Actor, validation.Required),
	)
}

// CreateHandler registers one link of a location's escalation chain.
type CreateHandler struct {
	UserID   string `json:"user_id"`
	Location string `json:"location"`
	Rank     int    `json:"rank"`
	Phone    string `json:"phone"`
}

func (h CreateHandler) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.UserID, validation.Required),
		validation.Field(&h.Location, validation.Required),
		validation.Field(&h.Rank, validation.Required, validation.Min(1)),
	)
}

const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// SubscribeFrame is the inbound message of the persistent-connection
// protocol. Params holds channel names.
type SubscribeFrame struct {
	Method string   `json:"method"`
	UserID string   `json:"userId"`
	Role   string   `json:"role"`
	Params []string `json:"params"`
}

func (f SubscribeFrame) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Method, validation.Required, validation.In(MethodSubscribe, MethodUnsubscribe)),
		validation.Field(&f.UserID, validation.Required),
		validation.Field(&f.Role, validation.Required.When(f.Method == MethodSubscribe)),
		validation.Field(&f.Params, validation.Required),
	)
}
