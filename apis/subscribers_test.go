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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alwitt/alertstream/auth"
	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/registry"
	"github.com/alwitt/alertstream/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type recordingSender struct {
	lock sync.Mutex
	sent []string
}

func (s *recordingSender) SendToOne(
	_ context.Context, subscriberID string, record common.Record,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, fmt.Sprintf("%s:%s", subscriberID, record.ID))
	return nil
}

func TestSubscriberAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	kv := storage.GetMemoryKVStore("unit-test")
	subscribers := storage.GetSubscriberStore(kv)
	records := storage.GetRecordStore(kv, nil)
	connections := registry.GetConnectionRegistry("unit-test")
	gate, issuer, err := auth.GetAuthGate(auth.GateParams{
		Subscribers: subscribers,
		Registry:    connections,
		Config:      common.AuthConfig{TokenValidity: 24, ClosedSessionRetention: 600},
	})
	assert.Nil(err)
	defer gate.Stop()
	sender := &recordingSender{}

	// Case 0: incomplete parameters
	{
		_, err := GetAPIRestSubscriberHandler(
			SubscriberHandlerParams{Subscribers: subscribers}, testHTTPConfig(),
		)
		assert.NotNil(err)
	}

	uut, err := GetAPIRestSubscriberHandler(SubscriberHandlerParams{
		Subscribers: subscribers,
		Records:     records,
		Issuer:      issuer,
		Registry:    connections,
		Sender:      sender,
	}, testHTTPConfig())
	assert.Nil(err)

	router := mux.NewRouter()
	router.HandleFunc("/v1/subscriber/{subscriberID}", uut.GetSubscriberHandler())
	router.HandleFunc("/v1/subscriber/{subscriberID}/token", uut.RefreshTokenHandler())
	router.HandleFunc("/v1/subscriber/{subscriberID}/auth", uut.VerifyCredentialHandler())
	router.HandleFunc("/v1/subscriber/{subscriberID}/activate", uut.ActivateSubscriberHandler())
	router.HandleFunc("/v1/subscriber/{subscriberID}/deactivate", uut.DeactivateSubscriberHandler())
	router.HandleFunc("/v1/subscriber/{subscriberID}/connection", uut.SubscriberConnectionHandler())
	router.HandleFunc(
		"/v1/subscriber/{subscriberID}/record/{recordID}", uut.SendRecordHandler(),
	)

	call := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	verify := func(subscriberID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(
			"POST", fmt.Sprintf("/v1/subscriber/%s/auth", subscriberID),
			bytes.NewReader([]byte(body)),
		)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	listSubscribers := func(handler http.HandlerFunc) []common.Subscriber {
		req := httptest.NewRequest("GET", "/v1/subscriber/list", nil)
		respRecorder := httptest.NewRecorder()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSubscribers
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		return msg.Subscribers
	}

	// Case 1: create a subscriber
	var subscriberID, token string
	{
		body := []byte(`{"display_name":"alice"}`)
		req := httptest.NewRequest("POST", "/v1/subscriber", bytes.NewReader(body))
		respRecorder := httptest.NewRecorder()
		uut.CreateSubscriberHandler().ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSubscriberCredential
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.True(strings.HasPrefix(msg.Subscriber.ID, "subscriber-"))
		assert.True(strings.HasPrefix(msg.Token, "token-"))
		assert.True(msg.Subscriber.Active)
		subscriberID = msg.Subscriber.ID
		token = msg.Token
	}
	{
		req := httptest.NewRequest("POST", "/v1/subscriber", bytes.NewReader([]byte(`{}`)))
		respRecorder := httptest.NewRecorder()
		uut.CreateSubscriberHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 2: fetch the subscriber, the token is not exposed
	{
		respRecorder := call("GET", "/v1/subscriber/"+subscriberID)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.NotContains(respRecorder.Body.String(), token)
		var msg APIRestRespOneSubscriber
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal("alice", msg.Subscriber.DisplayName)
	}
	{
		respRecorder := call("GET", "/v1/subscriber/subscriber-00000000")
		assert.Equal(http.StatusNotFound, respRecorder.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 3: refresh the token
	{
		respRecorder := call("POST", fmt.Sprintf("/v1/subscriber/%s/token", subscriberID))
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSubscriberCredential
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.NotEqual(token, msg.Token)
		token = msg.Token
	}

	// Case 4: deactivate then activate
	{
		respRecorder := call("PUT", fmt.Sprintf("/v1/subscriber/%s/deactivate", subscriberID))
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespOneSubscriber
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Subscriber.Active)
		assert.Len(listSubscribers(uut.ActiveSubscribersHandler()), 0)
	}
	{
		respRecorder := call("PUT", fmt.Sprintf("/v1/subscriber/%s/activate", subscriberID))
		assert.Equal(http.StatusOK, respRecorder.Code)
		active := listSubscribers(uut.ActiveSubscribersHandler())
		assert.Len(active, 1)
		assert.Equal(subscriberID, active[0].ID)
	}
	{
		respRecorder := call("PUT", "/v1/subscriber/subscriber-00000000/activate")
		assert.Equal(http.StatusNotFound, respRecorder.Code)
	}

	// Case 5: check the credential without connecting
	{
		respRecorder := verify(subscriberID, fmt.Sprintf(`{"token":"%s"}`, token))
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespOneSubscriber
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(subscriberID, msg.Subscriber.ID)
		assert.False(connections.IsConnected(subscriberID))
	}
	{
		respRecorder := verify(subscriberID, `{"token":"token-wrong"}`)
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
		respRecorder = verify("subscriber-00000000", fmt.Sprintf(`{"token":"%s"}`, token))
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
		respRecorder = verify(subscriberID, `{}`)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}
	{
		_, err := issuer.SetActive(ctxt, subscriberID, false)
		assert.Nil(err)
		respRecorder := verify(subscriberID, fmt.Sprintf(`{"token":"%s"}`, token))
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
		_, err = issuer.SetActive(ctxt, subscriberID, true)
		assert.Nil(err)
	}

	// Case 6: not connected
	{
		assert.Len(listSubscribers(uut.ConnectedSubscribersHandler()), 0)
		respRecorder := call("GET", fmt.Sprintf("/v1/subscriber/%s/connection", subscriberID))
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSubscriberConnection
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Connected)
		assert.Nil(msg.ConnectionID)
	}

	// Case 7: connected
	{
		_, err := gate.Authenticate(ctxt, "conn-1", subscriberID, token)
		assert.Nil(err)

		connected := listSubscribers(uut.ConnectedSubscribersHandler())
		assert.Len(connected, 1)

		respRecorder := call("GET", fmt.Sprintf("/v1/subscriber/%s/connection", subscriberID))
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSubscriberConnection
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Connected)
		assert.NotNil(msg.ConnectionID)
		assert.Equal("conn-1", *msg.ConnectionID)
	}
	{
		req := httptest.NewRequest("GET", "/v1/subscriber/connections/status", nil)
		respRecorder := httptest.NewRecorder()
		uut.ConnectionStatusHandler().ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespConnectionStatus
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal(1, msg.TotalConnections)
		assert.Equal(1, msg.ConnectedSubscribers)
	}

	// Case 8: a store binding without a registry entry is not listed as connected
	{
		ghostConnection := "conn-ghost"
		_, err := subscribers.Save(ctxt, common.Subscriber{
			ID:                "subscriber-ghost",
			DisplayName:       "ghost",
			Token:             "token-ghost",
			Active:            true,
			BoundConnectionID: &ghostConnection,
		})
		assert.Nil(err)
		stored, err := subscribers.ListConnected(ctxt)
		assert.Nil(err)
		assert.Len(stored, 2)

		connected := listSubscribers(uut.ConnectedSubscribersHandler())
		assert.Len(connected, 1)
		assert.Equal(subscriberID, connected[0].ID)
	}

	// Case 9: send one record to the subscriber
	{
		_, err := records.Save(ctxt, common.Record{ID: "n1", Title: "Market opens"})
		assert.Nil(err)
		respRecorder := call("POST", fmt.Sprintf("/v1/subscriber/%s/record/n1", subscriberID))
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Equal([]string{subscriberID + ":n1"}, sender.sent)
	}
	{
		respRecorder := call("POST", fmt.Sprintf("/v1/subscriber/%s/record/n0", subscriberID))
		assert.Equal(http.StatusNotFound, respRecorder.Code)
		assert.Len(sender.sent, 1)
	}
}
