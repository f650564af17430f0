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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/alertstream/auth"
	"github.com/alwitt/alertstream/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// maxInboundFrameSize largest inbound frame accepted from a session
	maxInboundFrameSize = 4096
	// pingPeriod interval between keep-alive pings
	pingPeriod = time.Second * 30
	// pongWait how long a session may go without a pong or frame from the peer
	pongWait = pingPeriod * 4 / 3
	// cleanupTimeout max duration of the disconnect bookkeeping for a closed session
	cleanupTimeout = time.Second * 5
)

// ErrUnknownConnection the connection is not held by this transport
var ErrUnknownConnection = fmt.Errorf("unknown connection")

// WebsocketHub websocket transport for subscriber sessions
type WebsocketHub interface {
	Transport
	auth.SessionCloser
	// ServeSession upgrade the request to a websocket session, and serve it until it closes
	ServeSession(w http.ResponseWriter, r *http.Request)
	// ActiveSessions number of open sessions
	ActiveSessions() int
	// Shutdown close all open sessions
	Shutdown()
}

// websocketHubImpl implements WebsocketHub
type websocketHubImpl struct {
	common.Component
	ctxt     context.Context
	gate     auth.Gate
	config   common.WebsocketConfig
	upgrader websocket.Upgrader
	lock     sync.RWMutex
	sessions map[string]*wsSession

	// keep-alive timing given to new sessions
	pingPeriod time.Duration
	pongWait   time.Duration
}

// GetWebsocketHub define a new websocket transport
func GetWebsocketHub(
	ctxt context.Context, gate auth.Gate, config common.WebsocketConfig,
) (WebsocketHub, error) {
	if gate == nil {
		return nil, fmt.Errorf("authentication gate is required")
	}
	logTags := log.Fields{"module": "dataplane", "component": "websocket-hub"}
	return &websocketHubImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      ctxt,
		gate:      gate,
		config:    config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions:   make(map[string]*wsSession),
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
	}, nil
}

func (h *websocketHubImpl) lookup(connectionID string) (*wsSession, bool) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	session, ok := h.sessions[connectionID]
	return session, ok
}

func (h *websocketHubImpl) ActiveSessions() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.sessions)
}

func (h *websocketHubImpl) Send(connectionID string, payload []byte) error {
	session, ok := h.lookup(connectionID)
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "send to %s", connectionID)
	}
	return session.enqueue(payload)
}

func (h *websocketHubImpl) CloseSession(connectionID string, reason string) error {
	session, ok := h.lookup(connectionID)
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "close %s", connectionID)
	}
	session.close(websocket.ClosePolicyViolation, reason)
	return nil
}

func (h *websocketHubImpl) Shutdown() {
	h.lock.RLock()
	open := make([]*wsSession, 0, len(h.sessions))
	for _, session := range h.sessions {
		open = append(open, session)
	}
	h.lock.RUnlock()
	log.WithFields(h.LogTags).Infof("Closing %d sessions", len(open))
	for _, session := range open {
		session.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *websocketHubImpl) ServeSession(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		log.WithError(err).WithFields(h.LogTags).Error("Websocket upgrade failed")
		return
	}
	connectionID := uuid.New().String()
	session := &wsSession{
		Component: common.Component{
			LogTags: h.WithTags(log.Fields{
				"connection": connectionID, "remote_addr": r.RemoteAddr,
			}),
		},
		id:           connectionID,
		conn:         conn,
		outbound:     make(chan []byte, h.config.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: time.Second * time.Duration(h.config.WriteTimeout),
		limiter:      rate.NewLimiter(rate.Limit(h.config.InboundRate), h.config.InboundBurst),
		pingPeriod:   h.pingPeriod,
		pongWait:     h.pongWait,
	}

	h.lock.Lock()
	h.sessions[session.id] = session
	h.lock.Unlock()
	log.WithFields(session.LogTags).Info("Session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		session.writePump(h.ctxt)
	}()

	session.readPump(h.ctxt, h.gate)

	session.close(websocket.CloseNormalClosure, "")
	<-writerDone
	h.lock.Lock()
	delete(h.sessions, session.id)
	h.lock.Unlock()

	cleanupCtxt, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	h.gate.Disconnect(cleanupCtxt, session.id)
	log.WithFields(session.LogTags).Info("Session closed")
}

// ================================================================================

// wsSession one websocket session
type wsSession struct {
	common.Component
	id           string
	conn         *websocket.Conn
	outbound     chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	limiter      *rate.Limiter
	pingPeriod   time.Duration
	pongWait     time.Duration
}

// enqueue queue a payload for the writer without blocking
func (s *wsSession) enqueue(payload []byte) error {
	select {
	case <-s.done:
		return errors.Errorf("session %s is closed", s.id)
	default:
	}
	select {
	case s.outbound <- payload:
		return nil
	default:
		return errors.Errorf("session %s send buffer is full", s.id)
	}
}

// reply serialize and queue a frame for the writer
func (s *wsSession) reply(frame interface{}) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize frame")
		return
	}
	if err := s.enqueue(payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to queue reply")
	}
}

// close end the session. Only the first call has an effect.
func (s *wsSession) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(s.writeTimeout)
		if err := s.conn.WriteControl(
			websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline,
		); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.WithError(err).WithFields(s.LogTags).Debug("Close frame not sent")
		}
		if err := s.conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Socket close failed")
		}
	})
}

// writePump the only writer of data frames on the socket
func (s *wsSession) writePump(ctxt context.Context) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	write := func(messageType int, payload []byte) error {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
		return errors.Wrap(s.conn.WriteMessage(messageType, payload), "write frame")
	}
	for {
		select {
		case <-s.done:
			return
		case <-ctxt.Done():
			s.close(websocket.CloseGoingAway, "server shutting down")
			return
		case payload := <-s.outbound:
			if err := write(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Frame write failed")
				s.close(websocket.CloseInternalServerErr, "write failure")
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Ping write failed")
				s.close(websocket.CloseInternalServerErr, "write failure")
				return
			}
		}
	}
}

// readPump read and serve inbound frames until the socket closes
func (s *wsSession) readPump(ctxt context.Context, gate auth.Gate) {
	s.conn.SetReadLimit(maxInboundFrameSize)
	extendDeadline := func() error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	}
	if err := extendDeadline(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to set read deadline")
		return
	}
	// A peer which stops answering pings hits the read deadline
	s.conn.SetPongHandler(func(string) error { return extendDeadline() })
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(s.LogTags).Error("Websocket read error")
			} else {
				log.WithError(err).WithFields(s.LogTags).Debug("Websocket read ended")
			}
			return
		}
		if err := extendDeadline(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to extend read deadline")
			return
		}
		if !s.limiter.Allow() {
			s.reply(ErrorFrame{Type: FrameTypeError, Message: "too many frames, slow down"})
			continue
		}
		if !s.serveFrame(ctxt, gate, message) {
			return
		}
	}
}

// serveFrame handle one inbound frame. Returns false when the session should end.
func (s *wsSession) serveFrame(ctxt context.Context, gate auth.Gate, message []byte) bool {
	var frame InboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.reply(ErrorFrame{Type: FrameTypeError, Message: "frame is not valid JSON"})
		return true
	}
	if err := frameValidator.Struct(&frame); err != nil {
		s.reply(ErrorFrame{Type: FrameTypeError, Message: fmt.Sprintf("invalid frame: %s", err)})
		return true
	}
	switch frame.Type {
	case FrameTypeAuth:
		s.reply(s.authenticate(ctxt, gate, frame))
	case FrameTypeStatus:
		s.reply(StatusFrame{Type: FrameTypeStatus, SessionStatus: gate.ConnectionStatus(ctxt, s.id)})
	case FrameTypeDisconnect:
		log.WithFields(s.LogTags).Info("Session requested disconnect")
		return false
	}
	return true
}

func (s *wsSession) authenticate(
	ctxt context.Context, gate auth.Gate, frame InboundFrame,
) AuthResponseFrame {
	result, err := gate.Authenticate(ctxt, s.id, frame.SubscriberID, frame.Token)
	if err != nil {
		return AuthResponseFrame{
			Type: FrameTypeAuth, Success: false, Message: authFailureMessage(err),
		}
	}
	return AuthResponseFrame{
		Type:           FrameTypeAuth,
		Success:        true,
		Message:        "authentication successful",
		SubscriberID:   &result.SubscriberID,
		DisplayName:    &result.DisplayName,
		TokenExpiresAt: &result.TokenExpiresAt,
	}
}

// authFailureMessage the reason reported to the session for a rejected authentication
func authFailureMessage(err error) string {
	for _, known := range []error{
		auth.ErrNotFound,
		auth.ErrIdentityMismatch,
		auth.ErrInactive,
		auth.ErrExpired,
		auth.ErrAlreadyAuthenticated,
		auth.ErrConnectionClosed,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "authentication failed"
}
