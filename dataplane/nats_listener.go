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
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// RecordEnqueuer accepts record IDs for dispatch
type RecordEnqueuer interface {
	// Enqueue submit a record ID without blocking. Returns false if the record was dropped.
	Enqueue(recordID string) bool
}

// Replies sent to producers which announce a record with a request
const (
	announceAccepted = "accepted"
	announceRejected = "rejected"
)

// NatsRecordListener enqueues record IDs announced on a NATS subject
type NatsRecordListener interface {
	// Start begin listening for announcements
	Start() error
	// Stop drain the subscription
	Stop() error
}

// natsRecordListenerImpl implements NatsRecordListener
type natsRecordListenerImpl struct {
	common.Component
	client     *core.NatsClient
	subject    string
	queueGroup string
	queue      RecordEnqueuer
	lock       sync.Mutex
	sub        *nats.Subscription
}

// GetNatsRecordListener define a new NatsRecordListener
func GetNatsRecordListener(
	client *core.NatsClient, config common.NATSConfig, queue RecordEnqueuer,
) (NatsRecordListener, error) {
	if client == nil || queue == nil {
		return nil, fmt.Errorf("NATS client and ingestion queue are required")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-record-listener", "subject": config.Subject,
	}
	return &natsRecordListenerImpl{
		Component:  common.Component{LogTags: logTags},
		client:     client,
		subject:    config.Subject,
		queueGroup: config.QueueGroup,
		queue:      queue,
	}, nil
}

func (l *natsRecordListenerImpl) Start() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.sub != nil {
		return fmt.Errorf("already listening on %s", l.subject)
	}
	sub, err := l.client.Subscribe(l.subject, l.queueGroup, l.processAnnouncement)
	if err != nil {
		return err
	}
	l.sub = sub
	return nil
}

func (l *natsRecordListenerImpl) Stop() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.sub == nil {
		return nil
	}
	err := l.sub.Drain()
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Drain failed")
	}
	l.sub = nil
	return err
}

// processAnnouncement enqueue the record ID carried by one message
func (l *natsRecordListenerImpl) processAnnouncement(msg *nats.Msg) {
	recordID := strings.TrimSpace(string(msg.Data))
	result := announceRejected
	if recordID == "" {
		log.WithFields(l.LogTags).Warn("Dropping announcement without record ID")
	} else if l.queue.Enqueue(recordID) {
		log.WithFields(l.LogTags).Debugf("Enqueued RECORD[%s]", recordID)
		result = announceAccepted
	} else {
		log.WithFields(l.LogTags).Warnf("Ingestion queue full, dropped RECORD[%s]", recordID)
	}
	if msg.Reply != "" {
		if err := msg.Respond([]byte(result)); err != nil {
			log.WithError(err).WithFields(l.LogTags).Error("Unable to reply to announcement")
		}
	}
}
