package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/apex/log"
)

// QueueStatus snapshot of the ingestion queue
type QueueStatus struct {
	CurrentSize       int `json:"current_size"`
	Capacity          int `json:"capacity"`
	RemainingCapacity int `json:"remaining_capacity"`
	// UtilizationRate is the queue fill level in percent
	UtilizationRate float64 `json:"utilization_rate"`
}

// QueueCounters lifetime counters of the ingestion queue
type QueueCounters struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// IngestionQueue bounded FIFO of record IDs waiting for dispatch
type IngestionQueue struct {
	common.Component
	entries  chan string
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// GetIngestionQueue define a new ingestion queue
func GetIngestionQueue(capacity int) (*IngestionQueue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1: %d", capacity)
	}
	logTags := log.Fields{"module": "dispatch", "component": "ingestion-queue"}
	return &IngestionQueue{
		Component: common.Component{LogTags: logTags},
		entries:   make(chan string, capacity),
	}, nil
}

// Enqueue append a record ID without blocking. Returns false, dropping the ID, when the queue
// is full.
func (q *IngestionQueue) Enqueue(recordID string) bool {
	select {
	case q.entries <- recordID:
		q.accepted.Add(1)
		return true
	default:
		q.rejected.Add(1)
		log.WithFields(q.LogTags).Warnf("Queue full, dropped RECORD[%s]", recordID)
		return false
	}
}

// Status get the queue fill level
func (q *IngestionQueue) Status() QueueStatus {
	size := len(q.entries)
	capacity := cap(q.entries)
	return QueueStatus{
		CurrentSize:       size,
		Capacity:          capacity,
		RemainingCapacity: capacity - size,
		UtilizationRate:   float64(size) / float64(capacity) * 100,
	}
}

// Counters get the lifetime counters
func (q *IngestionQueue) Counters() QueueCounters {
	return QueueCounters{Accepted: q.accepted.Load(), Rejected: q.rejected.Load()}
}

// poll wait up to timeout for the next record ID. Only the dispatcher calls this.
func (q *IngestionQueue) poll(ctxt context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case recordID := <-q.entries:
		return recordID, true
	case <-timer.C:
		return "", false
	case <-ctxt.Done():
		return "", false
	}
}
