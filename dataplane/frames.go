// Copyright 2025 The alertstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"time"

	"github.com/alwitt/alertstream/auth"
	"github.com/alwitt/alertstream/common"
)

// Frame types exchanged with subscriber sessions
const (
	FrameTypeAuth       = "auth"
	FrameTypeStatus     = "status"
	FrameTypeDisconnect = "disconnect"
	FrameTypeRecord     = "record"
	FrameTypeNotice     = "notice"
	FrameTypeError      = "error"
)

// InboundFrame a frame sent by a subscriber session
type InboundFrame struct {
	Type         string `json:"type" validate:"required,oneof=auth status disconnect"`
	SubscriberID string `json:"subscriber_id,omitempty" validate:"required_if=Type auth"`
	Token        string `json:"token,omitempty" validate:"required_if=Type auth"`
}

// AuthResponseFrame response to an auth frame
type AuthResponseFrame struct {
	Type           string     `json:"type"`
	Success        bool       `json:"success"`
	Message        string     `json:"message"`
	SubscriberID   *string    `json:"subscriber_id,omitempty"`
	DisplayName    *string    `json:"display_name,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// StatusFrame response to a status frame
type StatusFrame struct {
	Type string `json:"type"`
	auth.SessionStatus
}

// RecordFrame a record delivered to a subscriber
type RecordFrame struct {
	Type   string               `json:"type"`
	Record common.RecordPayload `json:"record"`
}

// NoticeFrame an operator notice delivered to a subscriber
type NoticeFrame struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// ErrorFrame reports a problem with an inbound frame
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
