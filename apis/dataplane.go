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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/dataplane"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// SessionServer serves subscriber sessions
type SessionServer interface {
	ServeSession(w http.ResponseWriter, r *http.Request)
}

// NoticeBroadcaster fans an operator notice out to the connected subscribers
type NoticeBroadcaster interface {
	BroadcastMessage(ctxt context.Context, message string) dataplane.BroadcastSummary
}

// ReadinessCheck reports whether a dependency is ready for use
type ReadinessCheck func() bool

// APIRestDataplaneHandler REST handler for the subscriber facing endpoints
type APIRestDataplaneHandler struct {
	goutils.RestAPIHandler
	sessions    SessionServer
	broadcaster NoticeBroadcaster
	readiness   []ReadinessCheck
	validate    *validator.Validate
}

// GetAPIRestDataplaneHandler define APIRestDataplaneHandler
func GetAPIRestDataplaneHandler(
	sessions SessionServer,
	broadcaster NoticeBroadcaster,
	httpConfig *common.HTTPConfig,
	readiness ...ReadinessCheck,
) (APIRestDataplaneHandler, error) {
	if sessions == nil || broadcaster == nil {
		return APIRestDataplaneHandler{}, fmt.Errorf("session server and broadcaster are required")
	}
	logTags := log.Fields{"module": "apis", "component": "dataplane"}
	return APIRestDataplaneHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		sessions:       sessions,
		broadcaster:    broadcaster,
		readiness:      readiness,
		validate:       validator.New(),
	}, nil
}

// =======================================================================

// Session godoc
// @Summary Open a subscriber session
// @Description Upgrade to a websocket session. The first frame must authenticate the subscriber.
// @tags Dataplane
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/ws [get]
func (h APIRestDataplaneHandler) Session(w http.ResponseWriter, r *http.Request) {
	h.sessions.ServeSession(w, r)
}

// SessionHandler Wrapper around Session
func (h APIRestDataplaneHandler) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Session(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqNotice operator notice to broadcast
type APIRestReqNotice struct {
	// Message the notice text
	Message string `json:"message" validate:"required"`
}

// APIRestRespNotice response for a notice broadcast
type APIRestRespNotice struct {
	goutils.RestAPIBaseResponse
	// Summary the per target delivery results
	Summary dataplane.BroadcastSummary `json:"summary"`
}

// BroadcastNotice godoc
// @Summary Broadcast an operator notice
// @Description Send a text notice to every connected active subscriber
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param notice body APIRestReqNotice true "Notice to broadcast"
// @Success 200 {object} APIRestRespNotice "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Header 200,400 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/notice [post]
func (h APIRestDataplaneHandler) BroadcastNotice(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqNotice
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	params.Message = strings.TrimSpace(params.Message)
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid notice"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	summary := h.broadcaster.BroadcastMessage(r.Context(), params.Message)
	log.WithFields(localLogTags).Infof(
		"Notice sent to %d of %d targets", summary.Delivered, summary.Targets,
	)

	respCode = http.StatusOK
	respBody = APIRestRespNotice{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Summary: summary,
	}
}

// BroadcastNoticeHandler Wrapper around BroadcastNotice
func (h APIRestDataplaneHandler) BroadcastNoticeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BroadcastNotice(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestDataplaneHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestDataplaneHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if REST API module is ready for use
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestDataplaneHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, check := range h.readiness {
		if !check() {
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestDataplaneHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
