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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestRecordHandler REST handler for news records
type APIRestRecordHandler struct {
	goutils.RestAPIHandler
	records  storage.RecordStore
	validate *validator.Validate
}

// GetAPIRestRecordHandler define APIRestRecordHandler
func GetAPIRestRecordHandler(
	records storage.RecordStore, httpConfig *common.HTTPConfig,
) (APIRestRecordHandler, error) {
	if records == nil {
		return APIRestRecordHandler{}, fmt.Errorf("record store is required")
	}
	logTags := log.Fields{"module": "apis", "component": "records"}
	return APIRestRecordHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		records:        records,
		validate:       validator.New(),
	}, nil
}

// readPagination parse the page and size query parameters
func (h APIRestRecordHandler) readPagination(r *http.Request) (storage.Pagination, error) {
	page, err := readIntQuery(r, "page", 0)
	if err != nil {
		return storage.Pagination{}, err
	}
	size, err := readIntQuery(r, "size", defaultPageSize)
	if err != nil {
		return storage.Pagination{}, err
	}
	result := storage.Pagination{Page: page, Size: size}
	return result, h.validate.Struct(&result)
}

// APIRestRespRecordPage response for one page of records
type APIRestRespRecordPage struct {
	goutils.RestAPIBaseResponse
	storage.RecordPage
}

// APIRestRespRecords response for a list of records
type APIRestRespRecords struct {
	goutils.RestAPIBaseResponse
	// Records the records, newest first
	Records []common.Record `json:"records"`
}

// APIRestRespOneRecord response for one record
type APIRestRespOneRecord struct {
	goutils.RestAPIBaseResponse
	// Record the record
	Record common.Record `json:"record"`
}

// =======================================================================

// SaveRecord godoc
// @Summary Save a record
// @Description Create or update a news record
// @tags Records
// @Accept json
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param record body common.Record true "Record to save"
// @Success 200 {object} APIRestRespOneRecord "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record [post]
func (h APIRestRecordHandler) SaveRecord(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var record common.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&record); err != nil {
		msg := "Invalid record"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	saved, err := h.records.Save(r.Context(), record)
	if err != nil {
		msg := fmt.Sprintf("Failed to save %s", record)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneRecord{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Record: saved,
	}
}

// SaveRecordHandler Wrapper around SaveRecord
func (h APIRestRecordHandler) SaveRecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SaveRecord(w, r)
	}
}

// -----------------------------------------------------------------------

// GetRecord godoc
// @Summary Query one record
// @Description Fetch a news record by ID
// @tags Records
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param recordID path string true "Record ID"
// @Success 200 {object} APIRestRespOneRecord "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record/{recordID} [get]
func (h APIRestRecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	recordID, ok := mux.Vars(r)["recordID"]
	if !ok || recordID == "" {
		msg := "No record ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	record, err := h.records.Get(r.Context(), recordID)
	if err != nil {
		respCode = http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			respCode = http.StatusNotFound
		}
		msg := fmt.Sprintf("Unable to fetch RECORD[%s]", recordID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneRecord{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Record: record,
	}
}

// GetRecordHandler Wrapper around GetRecord
func (h APIRestRecordHandler) GetRecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRecord(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRecordExists response for the record existence check
type APIRestRespRecordExists struct {
	goutils.RestAPIBaseResponse
	// Exists whether the record exists
	Exists bool `json:"exists"`
}

// RecordExists godoc
// @Summary Check whether a record exists
// @Description Check whether a news record with the ID is stored
// @tags Records
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param recordID path string true "Record ID"
// @Success 200 {object} APIRestRespRecordExists "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record/{recordID}/exists [get]
func (h APIRestRecordHandler) RecordExists(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	recordID, ok := mux.Vars(r)["recordID"]
	if !ok || recordID == "" {
		msg := "No record ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	exists, err := h.records.Exists(r.Context(), recordID)
	if err != nil {
		msg := fmt.Sprintf("Unable to check RECORD[%s]", recordID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRecordExists{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Exists: exists,
	}
}

// RecordExistsHandler Wrapper around RecordExists
func (h APIRestRecordHandler) RecordExistsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RecordExists(w, r)
	}
}

// -----------------------------------------------------------------------

// ListRecords godoc
// @Summary List records
// @Description List news records one page at a time, newest published first
// @tags Records
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param page query integer false "Page number, starting from 0"
// @Param size query integer false "Page size"
// @Success 200 {object} APIRestRespRecordPage "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record [get]
func (h APIRestRecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	page, err := h.readPagination(r)
	if err != nil {
		msg := "Invalid pagination"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	result, err := h.records.List(r.Context(), page)
	if err != nil {
		msg := "Unable to list records"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRecordPage{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		RecordPage: result,
	}
}

// ListRecordsHandler Wrapper around ListRecords
func (h APIRestRecordHandler) ListRecordsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListRecords(w, r)
	}
}

// -----------------------------------------------------------------------

// RecentRecords godoc
// @Summary List the most recent records
// @Description List the newest published records
// @tags Records
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param limit query integer false "Max number of records"
// @Success 200 {object} APIRestRespRecords "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record/recent [get]
func (h APIRestRecordHandler) RecentRecords(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	limit, err := readIntQuery(r, "limit", 10)
	if err == nil && (limit < 1 || limit > maxPageSize) {
		err = fmt.Errorf("limit must be between 1 and %d: %d", maxPageSize, limit)
	}
	if err != nil {
		msg := "Invalid limit"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	records, err := h.records.Recent(r.Context(), limit)
	if err != nil {
		msg := "Unable to list recent records"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRecords{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Records: records,
	}
}

// RecentRecordsHandler Wrapper around RecentRecords
func (h APIRestRecordHandler) RecentRecordsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RecentRecords(w, r)
	}
}

// -----------------------------------------------------------------------

// RecordsByPeriod godoc
// @Summary List records published within a period
// @Description List records whose publish time falls within [start, end], newest first
// @tags Records
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param start query string true "Period start (RFC3339)"
// @Param end query string true "Period end (RFC3339)"
// @Success 200 {object} APIRestRespRecords "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record/period [get]
func (h APIRestRecordHandler) RecordsByPeriod(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	var end time.Time
	if err == nil {
		end, err = time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	}
	if err == nil && end.Before(start) {
		err = fmt.Errorf("period end %s is before start %s", end, start)
	}
	if err != nil {
		msg := "Invalid period"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	records, err := h.records.ByPeriod(r.Context(), start, end)
	if err != nil {
		msg := "Unable to list records by period"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRecords{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Records: records,
	}
}

// RecordsByPeriodHandler Wrapper around RecordsByPeriod
func (h APIRestRecordHandler) RecordsByPeriodHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RecordsByPeriod(w, r)
	}
}

// -----------------------------------------------------------------------

// SearchRecords godoc
// @Summary Search records by title
// @Description Case-insensitive title keyword search, one page at a time, newest first
// @tags Records
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param keyword query string true "Title keyword"
// @Param page query integer false "Page number, starting from 0"
// @Param size query integer false "Page size"
// @Success 200 {object} APIRestRespRecordPage "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record/search [get]
func (h APIRestRecordHandler) SearchRecords(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
	page, err := h.readPagination(r)
	if err == nil && keyword == "" {
		err = fmt.Errorf("search keyword is empty")
	}
	if err != nil {
		msg := "Invalid search parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	result, err := h.records.Search(r.Context(), keyword, page)
	if err != nil {
		msg := fmt.Sprintf("Unable to search records for '%s'", keyword)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRecordPage{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		RecordPage: result,
	}
}

// SearchRecordsHandler Wrapper around SearchRecords
func (h APIRestRecordHandler) SearchRecordsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SearchRecords(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRecordStatistics response for the record statistics
type APIRestRespRecordStatistics struct {
	goutils.RestAPIBaseResponse
	storage.RecordStatistics
}

// RecordStatistics godoc
// @Summary Query record statistics
// @Description Count all records, records published today, and records published this week
// @tags Records
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRecordStatistics "success"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/record/statistics [get]
func (h APIRestRecordHandler) RecordStatistics(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.records.Statistics(r.Context())
	if err != nil {
		msg := "Unable to compute record statistics"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRecordStatistics{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		RecordStatistics: stats,
	}
}

// RecordStatisticsHandler Wrapper around RecordStatistics
func (h APIRestRecordHandler) RecordStatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RecordStatistics(w, r)
	}
}
