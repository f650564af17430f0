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

package apis

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/dispatch"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// producerLimiterTTL how long an idle producer's limiter is kept
const producerLimiterTTL = time.Minute

// RecordQueue the ingestion queue operations used by the REST API
type RecordQueue interface {
	Enqueue(recordID string) bool
	Status() dispatch.QueueStatus
	Counters() dispatch.QueueCounters
}

// DispatchMonitor source of the dispatcher counters
type DispatchMonitor interface {
	Counters() dispatch.DispatchCounters
}

// producerLimiter per producer address rate limiters
type producerLimiter struct {
	limiters *ttlcache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newProducerLimiter(ctxt context.Context, config common.IngestConfig) *producerLimiter {
	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](producerLimiterTTL),
	)
	go limiters.Start()
	go func() {
		<-ctxt.Done()
		limiters.Stop()
	}()
	return &producerLimiter{
		limiters: limiters, limit: rate.Limit(config.ProducerRate), burst: config.ProducerBurst,
	}
}

// producerAddress the address used to identify the producer of a request
func producerAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// reserve take one token for the producer. Returns the wait before a token is available, or
// zero if the request may proceed.
func (l *producerLimiter) reserve(producer string) time.Duration {
	item, found := l.limiters.GetOrSet(producer, rate.NewLimiter(l.limit, l.burst))
	if found {
		// Keep the limiter of an active producer from expiring
		l.limiters.Touch(producer)
	}
	reservation := item.Value().Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return delay
	}
	return 0
}

// APIRestQueueHandler REST handler for the ingestion queue
type APIRestQueueHandler struct {
	goutils.RestAPIHandler
	queue      RecordQueue
	dispatcher DispatchMonitor
	limiter    *producerLimiter
}

// GetAPIRestQueueHandler define APIRestQueueHandler
func GetAPIRestQueueHandler(
	ctxt context.Context,
	queue RecordQueue,
	dispatcher DispatchMonitor,
	ingestConfig common.IngestConfig,
	httpConfig *common.HTTPConfig,
) (APIRestQueueHandler, error) {
	if queue == nil || dispatcher == nil {
		return APIRestQueueHandler{}, fmt.Errorf("queue and dispatcher are required")
	}
	logTags := log.Fields{"module": "apis", "component": "queue"}
	return APIRestQueueHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		queue:          queue,
		dispatcher:     dispatcher,
		limiter:        newProducerLimiter(ctxt, ingestConfig),
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespEnqueue response for an accepted record ID
type APIRestRespEnqueue struct {
	goutils.RestAPIBaseResponse
	// RecordID the accepted record ID
	RecordID string `json:"record_id"`
	// Queue the queue status after the enqueue
	Queue dispatch.QueueStatus `json:"queue"`
}

// EnqueueRecord godoc
// @Summary Queue a record for broadcast
// @Description Append a record ID to the ingestion queue. Rejected when the queue is full.
// @tags Queue
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param recordID path string true "Record ID"
// @Success 200 {object} APIRestRespEnqueue "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,429,503 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/queue/record/{recordID} [post]
func (h APIRestQueueHandler) EnqueueRecord(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	var respHeaders map[string]string
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, respHeaders); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	recordID := strings.TrimSpace(mux.Vars(r)["recordID"])
	if recordID == "" {
		msg := "No record ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	producer := producerAddress(r)
	if delay := h.limiter.reserve(producer); delay > 0 {
		msg := fmt.Sprintf("Producer %s is rate limited", producer)
		log.WithFields(localLogTags).Warn(msg)
		respCode = http.StatusTooManyRequests
		respHeaders = map[string]string{
			"Retry-After": fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())),
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusTooManyRequests, msg, msg)
		return
	}

	if !h.queue.Enqueue(recordID) {
		msg := "Ingestion queue is full"
		log.WithFields(localLogTags).Warnf("%s, rejected RECORD[%s]", msg, recordID)
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, fmt.Sprintf("rejected %s", recordID),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespEnqueue{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		RecordID: recordID,
		Queue:    h.queue.Status(),
	}
}

// EnqueueRecordHandler Wrapper around EnqueueRecord
func (h APIRestQueueHandler) EnqueueRecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EnqueueRecord(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespQueueStatus response for the queue status
type APIRestRespQueueStatus struct {
	goutils.RestAPIBaseResponse
	// Queue the queue fill level
	Queue dispatch.QueueStatus `json:"queue"`
}

// QueueStatus godoc
// @Summary Query the ingestion queue status
// @Description Report current size, capacity, remaining capacity, and utilization of the queue
// @tags Queue
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespQueueStatus "success"
// @Failure 404 {string} string "error"
// @Header 200 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/queue/status [get]
func (h APIRestQueueHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespQueueStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Queue: h.queue.Status(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// QueueStatusHandler Wrapper around QueueStatus
func (h APIRestQueueHandler) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.QueueStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespQueueStatistics response for the queue statistics
type APIRestRespQueueStatistics struct {
	goutils.RestAPIBaseResponse
	// Queue the queue fill level
	Queue dispatch.QueueStatus `json:"queue"`
	// Ingestion the lifetime enqueue counters
	Ingestion dispatch.QueueCounters `json:"ingestion"`
	// Dispatch the lifetime dispatcher counters
	Dispatch dispatch.DispatchCounters `json:"dispatch"`
	// Timestamp when the statistics were collected
	Timestamp time.Time `json:"timestamp"`
}

// QueueStatistics godoc
// @Summary Query the ingestion queue statistics
// @Description Report queue status along with the lifetime enqueue and dispatch counters
// @tags Queue
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespQueueStatistics "success"
// @Failure 404 {string} string "error"
// @Header 200 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/queue/statistics [get]
func (h APIRestQueueHandler) QueueStatistics(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespQueueStatistics{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Queue:     h.queue.Status(),
		Ingestion: h.queue.Counters(),
		Dispatch:  h.dispatcher.Counters(),
		Timestamp: time.Now().UTC(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// QueueStatisticsHandler Wrapper around QueueStatistics
func (h APIRestQueueHandler) QueueStatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.QueueStatistics(w, r)
	}
}
