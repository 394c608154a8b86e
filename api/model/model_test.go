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
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
)

func TestCreateComplaintValidation(t *testing.T) {
	valid := CreateComplaint{
		Code:        "CMP-001",
		Description: gofakeit.Sentence(5),
		Location:    "block-a",
		CreatedBy:   gofakeit.Username(),
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.Location = ""
	assert.Error(t, missing.Validate())
}

func TestCreateHandlerValidation(t *testing.T) {
	valid := CreateHandler{
		UserID:   gofakeit.Username(),
		Location: "block-a",
		Rank:     1,
		Phone:    gofakeit.Phone(),
	}
	assert.NoError(t, valid.Validate())

	// Rank zero would make the handler unreachable by the escalation walk.
	invalid := valid
	invalid.Rank = 0
	assert.Error(t, invalid.Validate())
}

func TestSubscribeFrameValidation(t *testing.T) {
	valid := SubscribeFrame{
		Method: MethodSubscribe,
		UserID: "user-1",
		Role:   "user",
		Params: []string{"escalation"},
	}
	assert.NoError(t, valid.Validate())

	// Role is only required when subscribing.
	unsubscribe := SubscribeFrame{
		Method: MethodUnsubscribe,
		UserID: "user-1",
		Params: []string{"escalation"},
	}
	assert.NoError(t, unsubscribe.Validate())

	badMethod := valid
	badMethod.Method = "LISTEN"
	assert.Error(t, badMethod.Validate())

	noRole := valid
	noRole.Role = ""
	assert.Error(t, noRole.Validate())

	noParams := valid
	noParams.Params = nil
	assert.Error(t, noParams.Validate())
}
