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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/alertstream/auth"
	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/registry"
	"github.com/alwitt/alertstream/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// RecordSender pushes one record to one subscriber
type RecordSender interface {
	SendToOne(ctxt context.Context, subscriberID string, record common.Record) error
}

// SubscriberHandlerParams parameters for defining APIRestSubscriberHandler
type SubscriberHandlerParams struct {
	Subscribers storage.SubscriberStore
	Records     storage.RecordStore
	Issuer      auth.CredentialIssuer
	Registry    registry.ConnectionRegistry
	Sender      RecordSender
}

// APIRestSubscriberHandler REST handler for subscriber management
type APIRestSubscriberHandler struct {
	goutils.RestAPIHandler
	subscribers storage.SubscriberStore
	records     storage.RecordStore
	issuer      auth.CredentialIssuer
	registry    registry.ConnectionRegistry
	sender      RecordSender
	validate    *validator.Validate
}

// GetAPIRestSubscriberHandler define APIRestSubscriberHandler
func GetAPIRestSubscriberHandler(
	params SubscriberHandlerParams, httpConfig *common.HTTPConfig,
) (APIRestSubscriberHandler, error) {
	if params.Subscribers == nil || params.Records == nil || params.Issuer == nil ||
		params.Registry == nil || params.Sender == nil {
		return APIRestSubscriberHandler{}, fmt.Errorf("incomplete subscriber handler parameters")
	}
	logTags := log.Fields{"module": "apis", "component": "subscribers"}
	return APIRestSubscriberHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		subscribers:    params.Subscribers,
		records:        params.Records,
		issuer:         params.Issuer,
		registry:       params.Registry,
		sender:         params.Sender,
		validate:       validator.New(),
	}, nil
}

// storeErrorCode the response code for a store error
func storeErrorCode(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// APIRestRespOneSubscriber response for one subscriber
type APIRestRespOneSubscriber struct {
	goutils.RestAPIBaseResponse
	// Subscriber the subscriber
	Subscriber common.Subscriber `json:"subscriber"`
}

// APIRestRespSubscriberCredential response carrying a newly issued credential
type APIRestRespSubscriberCredential struct {
	goutils.RestAPIBaseResponse
	// Subscriber the subscriber
	Subscriber common.Subscriber `json:"subscriber"`
	// Token the credential token. This is the only time the token is returned.
	Token string `json:"token"`
}

// APIRestRespSubscribers response for a list of subscribers
type APIRestRespSubscribers struct {
	goutils.RestAPIBaseResponse
	// Subscribers the subscribers
	Subscribers []common.Subscriber `json:"subscribers"`
}

// =======================================================================

// APIRestReqNewSubscriber request to create a subscriber
type APIRestReqNewSubscriber struct {
	// DisplayName the subscriber display name
	DisplayName string `json:"display_name" validate:"required"`
}

// CreateSubscriber godoc
// @Summary Create a subscriber
// @Description Create a new active subscriber, and issue its credential token
// @tags Subscribers
// @Accept json
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriber body APIRestReqNewSubscriber true "New subscriber"
// @Success 200 {object} APIRestRespSubscriberCredential "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber [post]
func (h APIRestSubscriberHandler) CreateSubscriber(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqNewSubscriber
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid subscriber parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	subscriber, err := h.issuer.CreateSubscriber(r.Context(), params.DisplayName)
	if err != nil {
		msg := "Failed to create subscriber"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscriberCredential{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriber: subscriber,
		Token:      subscriber.Token,
	}
}

// CreateSubscriberHandler Wrapper around CreateSubscriber
func (h APIRestSubscriberHandler) CreateSubscriberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateSubscriber(w, r)
	}
}

// -----------------------------------------------------------------------

// GetSubscriber godoc
// @Summary Query one subscriber
// @Description Fetch a subscriber by ID. The credential token is not returned.
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespOneSubscriber "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/{subscriberID} [get]
func (h APIRestSubscriberHandler) GetSubscriber(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriberID, ok := mux.Vars(r)["subscriberID"]
	if !ok || subscriberID == "" {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	subscriber, err := h.subscribers.Get(r.Context(), subscriberID)
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch SUBSCRIBER[%s]", subscriberID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = storeErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneSubscriber{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriber: subscriber,
	}
}

// GetSubscriberHandler Wrapper around GetSubscriber
func (h APIRestSubscriberHandler) GetSubscriberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscriber(w, r)
	}
}

// -----------------------------------------------------------------------

// RefreshToken godoc
// @Summary Issue a new subscriber token
// @Description Replace the subscriber credential token, and restart its validity horizon
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespSubscriberCredential "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/{subscriberID}/token [post]
func (h APIRestSubscriberHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriberID, ok := mux.Vars(r)["subscriberID"]
	if !ok || subscriberID == "" {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	subscriber, err := h.issuer.RotateToken(r.Context(), subscriberID)
	if err != nil {
		msg := fmt.Sprintf("Unable to rotate token of SUBSCRIBER[%s]", subscriberID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = storeErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscriberCredential{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriber: subscriber,
		Token:      subscriber.Token,
	}
}

// RefreshTokenHandler Wrapper around RefreshToken
func (h APIRestSubscriberHandler) RefreshTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RefreshToken(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqVerifyCredential request to check a subscriber credential
type APIRestReqVerifyCredential struct {
	// Token the credential token
	Token string `json:"token" validate:"required"`
}

// credentialRejected whether the error is a credential rejection
func credentialRejected(err error) bool {
	return errors.Is(err, auth.ErrNotFound) || errors.Is(err, auth.ErrIdentityMismatch) ||
		errors.Is(err, auth.ErrInactive) || errors.Is(err, auth.ErrExpired)
}

// VerifyCredential godoc
// @Summary Check a subscriber credential
// @Description Check a subscriber ID and token pair without opening a session
// @tags Subscribers
// @Accept json
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Param credential body APIRestReqVerifyCredential true "Credential token"
// @Success 200 {object} APIRestRespOneSubscriber "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/{subscriberID}/auth [post]
func (h APIRestSubscriberHandler) VerifyCredential(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriberID, ok := mux.Vars(r)["subscriberID"]
	if !ok || subscriberID == "" {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var request APIRestReqVerifyCredential
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse credential"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Credential is not valid"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	subscriber, err := h.issuer.Verify(r.Context(), subscriberID, request.Token)
	if err != nil {
		msg := fmt.Sprintf("Credential of SUBSCRIBER[%s] not accepted", subscriberID)
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusInternalServerError
		if credentialRejected(err) {
			respCode = http.StatusUnauthorized
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneSubscriber{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriber: subscriber,
	}
}

// VerifyCredentialHandler Wrapper around VerifyCredential
func (h APIRestSubscriberHandler) VerifyCredentialHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.VerifyCredential(w, r)
	}
}

// -----------------------------------------------------------------------

// changeActive shared body of ActivateSubscriber and DeactivateSubscriber
func (h APIRestSubscriberHandler) changeActive(w http.ResponseWriter, r *http.Request, active bool) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriberID, ok := mux.Vars(r)["subscriberID"]
	if !ok || subscriberID == "" {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	subscriber, err := h.issuer.SetActive(r.Context(), subscriberID, active)
	if err != nil {
		msg := fmt.Sprintf("Unable to set SUBSCRIBER[%s] active=%v", subscriberID, active)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = storeErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneSubscriber{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriber: subscriber,
	}
}

// ActivateSubscriber godoc
// @Summary Activate a subscriber
// @Description Allow the subscriber to authenticate and receive broadcasts
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespOneSubscriber "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/{subscriberID}/activate [put]
func (h APIRestSubscriberHandler) ActivateSubscriber(w http.ResponseWriter, r *http.Request) {
	h.changeActive(w, r, true)
}

// ActivateSubscriberHandler Wrapper around ActivateSubscriber
func (h APIRestSubscriberHandler) ActivateSubscriberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ActivateSubscriber(w, r)
	}
}

// DeactivateSubscriber godoc
// @Summary Deactivate a subscriber
// @Description Block the subscriber from authenticating and from receiving broadcasts
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespOneSubscriber "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/{subscriberID}/deactivate [put]
func (h APIRestSubscriberHandler) DeactivateSubscriber(w http.ResponseWriter, r *http.Request) {
	h.changeActive(w, r, false)
}

// DeactivateSubscriberHandler Wrapper around DeactivateSubscriber
func (h APIRestSubscriberHandler) DeactivateSubscriberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeactivateSubscriber(w, r)
	}
}

// -----------------------------------------------------------------------

// ActiveSubscribers godoc
// @Summary List active subscribers
// @Description List all subscribers which are active
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscribers "success"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/active [get]
func (h APIRestSubscriberHandler) ActiveSubscribers(w http.ResponseWriter, r *http.Request) {
	h.listSubscribers(w, r, h.subscribers.ListActive, "active")
}

// ActiveSubscribersHandler Wrapper around ActiveSubscribers
func (h APIRestSubscriberHandler) ActiveSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ActiveSubscribers(w, r)
	}
}

// ConnectedSubscribers godoc
// @Summary List connected subscribers
// @Description List all active subscribers which hold a live connection
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscribers "success"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/connected [get]
func (h APIRestSubscriberHandler) ConnectedSubscribers(w http.ResponseWriter, r *http.Request) {
	h.listSubscribers(w, r, h.connectedSubscribers, "connected")
}

// connectedSubscribers the active subscribers holding a registry binding
func (h APIRestSubscriberHandler) connectedSubscribers(
	ctxt context.Context,
) ([]common.Subscriber, error) {
	bindings := h.registry.Snapshot()
	result := make([]common.Subscriber, 0, len(bindings))
	for _, binding := range bindings {
		subscriber, err := h.subscribers.Get(ctxt, binding.SubscriberID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if subscriber.Active {
			result = append(result, subscriber)
		}
	}
	return result, nil
}

// ConnectedSubscribersHandler Wrapper around ConnectedSubscribers
func (h APIRestSubscriberHandler) ConnectedSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectedSubscribers(w, r)
	}
}

func (h APIRestSubscriberHandler) listSubscribers(
	w http.ResponseWriter,
	r *http.Request,
	lister func(ctxt context.Context) ([]common.Subscriber, error),
	kind string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscribers, err := lister(r.Context())
	if err != nil {
		msg := fmt.Sprintf("Unable to list %s subscribers", kind)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if subscribers == nil {
		subscribers = []common.Subscriber{}
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscribers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscribers: subscribers,
	}
}

// -----------------------------------------------------------------------

// APIRestRespSubscriberConnection response for the connection state of one subscriber
type APIRestRespSubscriberConnection struct {
	goutils.RestAPIBaseResponse
	// SubscriberID the subscriber
	SubscriberID string `json:"subscriber_id"`
	// Connected whether the subscriber holds a live connection
	Connected bool `json:"connected"`
	// ConnectionID the live connection, if any
	ConnectionID *string `json:"connection_id,omitempty"`
}

// SubscriberConnection godoc
// @Summary Query the connection state of one subscriber
// @Description Report whether the subscriber currently holds a live connection
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespSubscriberConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/{subscriberID}/connection [get]
func (h APIRestSubscriberHandler) SubscriberConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriberID, ok := mux.Vars(r)["subscriberID"]
	if !ok || subscriberID == "" {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if _, err := h.subscribers.Get(r.Context(), subscriberID); err != nil {
		msg := fmt.Sprintf("Unable to fetch SUBSCRIBER[%s]", subscriberID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = storeErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	resp := APIRestRespSubscriberConnection{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		SubscriberID: subscriberID,
	}
	if connectionID, ok := h.registry.LookupConnection(subscriberID); ok {
		resp.Connected = true
		resp.ConnectionID = &connectionID
	}
	respCode = http.StatusOK
	respBody = resp
}

// SubscriberConnectionHandler Wrapper around SubscriberConnection
func (h APIRestSubscriberHandler) SubscriberConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubscriberConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespConnectionStatus response for the overall connection status
type APIRestRespConnectionStatus struct {
	goutils.RestAPIBaseResponse
	registry.ConnectionStatus
	// Timestamp when the status was collected
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionStatus godoc
// @Summary Query the overall connection status
// @Description Report the number of live connections and connected subscribers
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespConnectionStatus "success"
// @Failure 404 {string} string "error"
// @Header 200 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/connections/status [get]
func (h APIRestSubscriberHandler) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespConnectionStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		ConnectionStatus: h.registry.Status(),
		Timestamp:        time.Now().UTC(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ConnectionStatusHandler Wrapper around ConnectionStatus
func (h APIRestSubscriberHandler) ConnectionStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectionStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// SendRecord godoc
// @Summary Send one record to one subscriber
// @Description Push a stored record to the subscriber's live connection. A subscriber without
// @Description a connection is skipped without error.
// @tags Subscribers
// @Produce json
// @Param Alertstream-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Param recordID path string true "Record ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Alertstream-Request-ID "Request ID to match against logs"
// @Router /v1/subscriber/{subscriberID}/record/{recordID} [post]
func (h APIRestSubscriberHandler) SendRecord(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	subscriberID := vars["subscriberID"]
	recordID := vars["recordID"]
	if subscriberID == "" || recordID == "" {
		msg := "Subscriber ID and record ID are required"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	record, err := h.records.Get(r.Context(), recordID)
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch RECORD[%s]", recordID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = storeErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	if err := h.sender.SendToOne(r.Context(), subscriberID, record); err != nil {
		msg := fmt.Sprintf("Unable to send %s to SUBSCRIBER[%s]", record, subscriberID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SendRecordHandler Wrapper around SendRecord
func (h APIRestSubscriberHandler) SendRecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SendRecord(w, r)
	}
}
