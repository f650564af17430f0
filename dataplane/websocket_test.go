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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/alertstream/auth"
	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/registry"
	"github.com/alwitt/alertstream/storage"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func readFrame(t *testing.T, conn *websocket.Conn, result interface{}) {
	assert.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*2)))
	_, payload, err := conn.ReadMessage()
	assert.Nil(t, err)
	assert.Nil(t, json.Unmarshal(payload, result))
}

func TestWebsocketHubSessions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	connections := registry.GetConnectionRegistry("unit-test")
	subscribers := storage.GetSubscriberStore(storage.GetMemoryKVStore("unit-test"))
	gate, issuer, err := auth.GetAuthGate(auth.GateParams{
		Subscribers: subscribers,
		Registry:    connections,
		Config:      common.AuthConfig{TokenValidity: 24, ClosedSessionRetention: 600},
	})
	assert.Nil(err)
	defer gate.Stop()

	uut, err := GetWebsocketHub(ctxt, gate, common.WebsocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    2,
		SendBuffer:      8,
		InboundRate:     100,
		InboundBurst:    100,
	})
	assert.Nil(err)
	defer uut.Shutdown()
	gate.SetSessionCloser(uut)

	fanout, err := GetBroadcaster(BroadcasterParams{
		Registry: connections, Subscribers: subscribers, Transport: uut,
	})
	assert.Nil(err)

	server := httptest.NewServer(http.HandlerFunc(uut.ServeSession))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	s1, err := issuer.CreateSubscriber(ctxt, "Newsroom")
	assert.Nil(err)

	// Case 0: unknown connection
	assert.NotNil(uut.Send("c-unknown", []byte("hello")))
	assert.NotNil(uut.CloseSession("c-unknown", "test"))

	client1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer client1.Close()

	// Case 1: invalid frames
	{
		assert.Nil(client1.WriteMessage(websocket.TextMessage, []byte("not json")))
		var errFrame ErrorFrame
		readFrame(t, client1, &errFrame)
		assert.Equal(FrameTypeError, errFrame.Type)

		assert.Nil(client1.WriteJSON(InboundFrame{Type: FrameTypeAuth}))
		readFrame(t, client1, &errFrame)
		assert.Equal(FrameTypeError, errFrame.Type)
	}

	// Case 2: rejected then accepted authentication
	{
		assert.Nil(client1.WriteJSON(InboundFrame{
			Type: FrameTypeAuth, SubscriberID: s1.ID, Token: "token-wrong",
		}))
		var resp AuthResponseFrame
		readFrame(t, client1, &resp)
		assert.False(resp.Success)
		assert.Equal(auth.ErrNotFound.Error(), resp.Message)
		assert.False(connections.IsConnected(s1.ID))

		assert.Nil(client1.WriteJSON(InboundFrame{
			Type: FrameTypeAuth, SubscriberID: s1.ID, Token: s1.Token,
		}))
		resp = AuthResponseFrame{}
		readFrame(t, client1, &resp)
		assert.True(resp.Success)
		assert.Equal("Newsroom", *resp.DisplayName)
		assert.True(connections.IsConnected(s1.ID))
		assert.Equal(1, uut.ActiveSessions())
	}

	// Case 3: status
	{
		assert.Nil(client1.WriteJSON(InboundFrame{Type: FrameTypeStatus}))
		var status StatusFrame
		readFrame(t, client1, &status)
		assert.Equal(FrameTypeStatus, status.Type)
		assert.True(status.Connected)
		assert.Equal(s1.ID, *status.SubscriberID)
	}

	// Case 4: record delivery
	{
		summary := fanout.BroadcastToAll(ctxt, testRecord("n1"))
		assert.Equal(1, summary.Delivered)
		var frame RecordFrame
		readFrame(t, client1, &frame)
		assert.Equal(FrameTypeRecord, frame.Type)
		assert.Equal("n1", frame.Record.ID)
	}

	// Case 5: a second session for the same subscriber closes the first
	client2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer client2.Close()
	{
		assert.Nil(client2.WriteJSON(InboundFrame{
			Type: FrameTypeAuth, SubscriberID: s1.ID, Token: s1.Token,
		}))
		var resp AuthResponseFrame
		readFrame(t, client2, &resp)
		assert.True(resp.Success)

		assert.Nil(client1.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, _, err := client1.ReadMessage()
		assert.NotNil(err)
		assert.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation))

		assert.True(connections.IsConnected(s1.ID))
		assert.Eventually(func() bool {
			return uut.ActiveSessions() == 1
		}, time.Second*2, time.Millisecond*10)
		connID, _ := connections.LookupConnection(s1.ID)
		stored, err := subscribers.Get(ctxt, s1.ID)
		assert.Nil(err)
		assert.Equal(connID, *stored.BoundConnectionID)
	}

	// Case 6: disconnect request releases the binding
	{
		assert.Nil(client2.WriteJSON(InboundFrame{Type: FrameTypeDisconnect}))
		assert.Eventually(func() bool {
			return !connections.IsConnected(s1.ID) && uut.ActiveSessions() == 0
		}, time.Second*2, time.Millisecond*10)
		stored, err := subscribers.Get(ctxt, s1.ID)
		assert.Nil(err)
		assert.Nil(stored.BoundConnectionID)
	}
}

func TestWebsocketHubKeepAlive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	connections := registry.GetConnectionRegistry("unit-test")
	subscribers := storage.GetSubscriberStore(storage.GetMemoryKVStore("unit-test"))
	gate, issuer, err := auth.GetAuthGate(auth.GateParams{
		Subscribers: subscribers,
		Registry:    connections,
		Config:      common.AuthConfig{TokenValidity: 24, ClosedSessionRetention: 600},
	})
	assert.Nil(err)
	defer gate.Stop()

	hub, err := GetWebsocketHub(ctxt, gate, common.WebsocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    2,
		SendBuffer:      8,
		InboundRate:     100,
		InboundBurst:    100,
	})
	assert.Nil(err)
	defer hub.Shutdown()
	uut, ok := hub.(*websocketHubImpl)
	assert.True(ok)
	uut.pingPeriod = time.Millisecond * 50
	uut.pongWait = time.Millisecond * 300

	server := httptest.NewServer(http.HandlerFunc(uut.ServeSession))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	// Case 0: a peer which keeps reading answers pings and stays open
	{
		client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Nil(err)
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					return
				}
			}
		}()
		time.Sleep(time.Millisecond * 900)
		assert.Equal(1, uut.ActiveSessions())
		assert.Nil(client.Close())
		<-readerDone
		assert.Eventually(func() bool {
			return uut.ActiveSessions() == 0
		}, time.Second*2, time.Millisecond*10)
	}

	// Case 1: a silent peer is dropped and its binding released
	{
		s1, err := issuer.CreateSubscriber(ctxt, "Silent")
		assert.Nil(err)
		client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Nil(err)
		defer client.Close()
		assert.Nil(client.WriteJSON(InboundFrame{
			Type: FrameTypeAuth, SubscriberID: s1.ID, Token: s1.Token,
		}))
		var resp AuthResponseFrame
		readFrame(t, client, &resp)
		assert.True(resp.Success)
		assert.True(connections.IsConnected(s1.ID))

		// No further reads, so pings go unanswered
		assert.Eventually(func() bool {
			return uut.ActiveSessions() == 0 && !connections.IsConnected(s1.ID)
		}, time.Second*3, time.Millisecond*20)
		stored, err := subscribers.Get(ctxt, s1.ID)
		assert.Nil(err)
		assert.Nil(stored.BoundConnectionID)
	}
}
