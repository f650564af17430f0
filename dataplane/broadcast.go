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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/registry"
	"github.com/alwitt/alertstream/storage"
	"github.com/apex/log"
)

// Transport delivers opaque payloads to connections
type Transport interface {
	// Send queue a payload for delivery on a connection
	Send(connectionID string, payload []byte) error
}

// TargetOutcome result of the send to one fan-out target
type TargetOutcome struct {
	SubscriberID string `json:"subscriber_id"`
	ConnectionID string `json:"connection_id"`
	Error        string `json:"error,omitempty"`
}

// BroadcastSummary per target results of one fan-out
type BroadcastSummary struct {
	Targets   int             `json:"targets"`
	Delivered int             `json:"delivered"`
	Failed    int             `json:"failed"`
	Outcomes  []TargetOutcome `json:"outcomes"`
}

// Broadcaster pushes payloads to connected subscribers
type Broadcaster interface {
	// SendToOne send a record to one subscriber. A subscriber without a connection is skipped
	// without error.
	SendToOne(ctxt context.Context, subscriberID string, record common.Record) error
	// BroadcastToAll send a record to every connected active subscriber. Failures are isolated
	// per target and reported in the summary.
	BroadcastToAll(ctxt context.Context, record common.Record) BroadcastSummary
	// BroadcastMessage send an operator notice to every connected active subscriber
	BroadcastMessage(ctxt context.Context, message string) BroadcastSummary
}

// BroadcasterParams parameters for defining a Broadcaster
type BroadcasterParams struct {
	Registry    registry.ConnectionRegistry
	Subscribers storage.SubscriberStore
	Transport   Transport
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	registry    registry.ConnectionRegistry
	subscribers storage.SubscriberStore
	transport   Transport
}

// GetBroadcaster define a new Broadcaster
func GetBroadcaster(params BroadcasterParams) (Broadcaster, error) {
	if params.Registry == nil || params.Subscribers == nil || params.Transport == nil {
		return nil, fmt.Errorf("registry, subscriber store, and transport are required")
	}
	logTags := log.Fields{"module": "dataplane", "component": "broadcaster"}
	return &broadcasterImpl{
		Component:   common.Component{LogTags: logTags},
		registry:    params.Registry,
		subscribers: params.Subscribers,
		transport:   params.Transport,
	}, nil
}

func recordPayload(record common.Record) ([]byte, error) {
	return json.Marshal(RecordFrame{Type: FrameTypeRecord, Record: record.Payload()})
}

// deliver hand one payload to the transport, converting a panic into an error
func (b *broadcasterImpl) deliver(connectionID string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return b.transport.Send(connectionID, payload)
}

func (b *broadcasterImpl) SendToOne(
	ctxt context.Context, subscriberID string, record common.Record,
) error {
	connectionID, ok := b.registry.LookupConnection(subscriberID)
	if !ok {
		log.WithFields(b.LogTags).Debugf("%s not connected, skipping %s", subscriberID, record)
		return nil
	}
	payload, err := recordPayload(record)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize %s", record)
		return err
	}
	if err := b.deliver(connectionID, payload); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to send %s to %s@%s", record, subscriberID, connectionID,
		)
		return err
	}
	return nil
}

// targets snapshot the connected subscribers which are still active
func (b *broadcasterImpl) targets(ctxt context.Context) []registry.Binding {
	bindings := b.registry.Snapshot()
	if len(bindings) == 0 {
		return bindings
	}
	active, err := b.subscribers.ListActive(ctxt)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error(
			"Unable to list active subscribers, sending to all connections",
		)
		return bindings
	}
	activeIDs := map[string]bool{}
	for _, subscriber := range active {
		activeIDs[subscriber.ID] = true
	}
	result := make([]registry.Binding, 0, len(bindings))
	for _, binding := range bindings {
		if activeIDs[binding.SubscriberID] {
			result = append(result, binding)
		}
	}
	return result
}

// fanOut send one payload to every target
func (b *broadcasterImpl) fanOut(
	ctxt context.Context, what string, payload []byte,
) BroadcastSummary {
	targets := b.targets(ctxt)
	summary := BroadcastSummary{
		Targets: len(targets), Outcomes: make([]TargetOutcome, 0, len(targets)),
	}
	if len(targets) == 0 {
		log.WithFields(b.LogTags).Infof("No connected subscribers for %s", what)
		return summary
	}
	startTime := time.Now()
	for _, target := range targets {
		outcome := TargetOutcome{
			SubscriberID: target.SubscriberID, ConnectionID: target.ConnectionID,
		}
		if err := b.deliver(target.ConnectionID, payload); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to send %s to %s@%s", what, target.SubscriberID, target.ConnectionID,
			)
			outcome.Error = err.Error()
			summary.Failed++
		} else {
			summary.Delivered++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}
	log.WithFields(b.LogTags).Infof(
		"Broadcast %s to %d subscribers (%d failed) in %s",
		what,
		summary.Targets,
		summary.Failed,
		time.Since(startTime),
	)
	return summary
}

func (b *broadcasterImpl) BroadcastToAll(
	ctxt context.Context, record common.Record,
) BroadcastSummary {
	payload, err := recordPayload(record)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize %s", record)
		return BroadcastSummary{Outcomes: []TargetOutcome{}}
	}
	return b.fanOut(ctxt, record.String(), payload)
}

func (b *broadcasterImpl) BroadcastMessage(ctxt context.Context, message string) BroadcastSummary {
	payload, err := json.Marshal(NoticeFrame{
		Type: FrameTypeNotice, Message: message, SentAt: time.Now().UTC(),
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to serialize notice")
		return BroadcastSummary{Outcomes: []TargetOutcome{}}
	}
	return b.fanOut(ctxt, "notice", payload)
}
