package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/registry"
	"github.com/alwitt/alertstream/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Authentication rejection reasons
var (
	ErrNotFound             = fmt.Errorf("no subscriber owns the presented token")
	ErrIdentityMismatch     = fmt.Errorf("subscriber ID does not match the token owner")
	ErrInactive             = fmt.Errorf("subscriber is deactivated")
	ErrExpired              = fmt.Errorf("token has expired")
	ErrAlreadyAuthenticated = fmt.Errorf("connection is already authenticated")
	ErrConnectionClosed     = fmt.Errorf("connection is closed")
)

// SessionState authentication state of one connection
type SessionState int

// Connection states. A connection only moves forward through these.
const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AuthResult outcome of a successful authentication
type AuthResult struct {
	SubscriberID   string    `json:"subscriber_id"`
	DisplayName    string    `json:"display_name"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	// EvictedConnectionID is the connection the subscriber used before this one, if any
	EvictedConnectionID string `json:"-"`
}

// SessionStatus session view of one connection
type SessionStatus struct {
	SubscriberID   *string    `json:"subscriber_id,omitempty"`
	DisplayName    *string    `json:"display_name,omitempty"`
	Connected      bool       `json:"connected"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// SessionCloser closes transport sessions which lost their subscriber binding
type SessionCloser interface {
	// CloseSession close the transport session of a connection
	CloseSession(connectionID string, reason string) error
}

// Gate binds connections to subscribers after verifying their credentials
type Gate interface {
	// Authenticate verify a presented credential, and bind the connection to the subscriber.
	// A rejected attempt changes nothing.
	Authenticate(
		ctxt context.Context, connectionID, subscriberID, token string,
	) (AuthResult, error)
	// Disconnect release the subscriber binding of a connection. Repeated calls are no-ops.
	Disconnect(ctxt context.Context, connectionID string)
	// State get the authentication state of a connection
	State(connectionID string) SessionState
	// ConnectionStatus get the session view of a connection
	ConnectionStatus(ctxt context.Context, connectionID string) SessionStatus
	// SetSessionCloser install the closer used when a connection is evicted
	SetSessionCloser(closer SessionCloser)
	// Reconcile retry clearing store bindings left behind by failed disconnects. Returns the
	// number of bindings still waiting to be cleared.
	Reconcile(ctxt context.Context) int
	// Stop release background resources
	Stop()
}

// CredentialIssuer manages subscriber credentials
type CredentialIssuer interface {
	// CreateSubscriber create a new active subscriber with a fresh token
	CreateSubscriber(ctxt context.Context, displayName string) (common.Subscriber, error)
	// RotateToken issue a fresh token for a subscriber
	RotateToken(ctxt context.Context, subscriberID string) (common.Subscriber, error)
	// SetActive activate or deactivate a subscriber
	SetActive(ctxt context.Context, subscriberID string, active bool) (common.Subscriber, error)
	// Verify check a credential without binding any connection
	Verify(ctxt context.Context, subscriberID, token string) (common.Subscriber, error)
}

// GateParams parameters for defining the authentication gate
type GateParams struct {
	Subscribers storage.SubscriberStore
	Registry    registry.ConnectionRegistry
	Config      common.AuthConfig
	// Now is the wall clock, defaults to time.Now
	Now func() time.Time
}

// gateImpl implements Gate and CredentialIssuer
type gateImpl struct {
	common.Component
	subscribers   storage.SubscriberStore
	registry      registry.ConnectionRegistry
	tokenValidity time.Duration
	now           func() time.Time
	// closed remembers connections which reached StateClosed
	closed *ttlcache.Cache[string, time.Time]
	// staleBindings subscriber ID to the connection ID its store record still names after a
	// failed disconnect
	staleBindings map[string]string
	// lock serializes every write to the subscriber store with the matching registry change
	lock     sync.Mutex
	closer   SessionCloser
	stopOnce sync.Once
}

// GetAuthGate define a new authentication gate, and the credential issuer sharing its state
func GetAuthGate(params GateParams) (Gate, CredentialIssuer, error) {
	if params.Subscribers == nil || params.Registry == nil {
		return nil, nil, fmt.Errorf("subscriber store and connection registry are required")
	}
	if params.Config.TokenValidity < 1 || params.Config.ClosedSessionRetention < 1 {
		return nil, nil, fmt.Errorf("invalid auth config %+v", params.Config)
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	retention := time.Second * time.Duration(params.Config.ClosedSessionRetention)
	closed := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](retention),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go closed.Start()
	logTags := log.Fields{"module": "auth", "component": "gate"}
	instance := &gateImpl{
		Component:     common.Component{LogTags: logTags},
		subscribers:   params.Subscribers,
		registry:      params.Registry,
		tokenValidity: params.Config.TokenValidityDuration(),
		now:           now,
		closed:        closed,
		staleBindings: map[string]string{},
	}
	return instance, instance, nil
}

func (g *gateImpl) SetSessionCloser(closer SessionCloser) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.closer = closer
}

func (g *gateImpl) Stop() {
	g.stopOnce.Do(g.closed.Stop)
}

// stateOf get the state of a connection. Caller must hold the lock.
func (g *gateImpl) stateOf(connectionID string) SessionState {
	if g.closed.Has(connectionID) {
		return StateClosed
	}
	if _, ok := g.registry.LookupSubscriber(connectionID); ok {
		return StateAuthenticated
	}
	return StateUnauthenticated
}

func (g *gateImpl) State(connectionID string) SessionState {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.stateOf(connectionID)
}

func (g *gateImpl) Authenticate(
	ctxt context.Context, connectionID, subscriberID, token string,
) (AuthResult, error) {
	logTags := g.WithTags(log.Fields{"connection": connectionID, "subscriber": subscriberID})

	result, closer, err := g.bind(ctxt, connectionID, subscriberID, token)
	if err != nil {
		log.WithError(err).WithFields(logTags).Info("Authentication rejected")
		return AuthResult{}, err
	}
	log.WithFields(logTags).Info("Authenticated")

	if result.EvictedConnectionID != "" && closer != nil {
		if err := closer.CloseSession(
			result.EvictedConnectionID, "subscriber connected from another session",
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to close evicted connection %s", result.EvictedConnectionID,
			)
		}
	}
	return result, nil
}

// verify run the credential checks in order, reading the subscriber by token
func (g *gateImpl) verify(
	ctxt context.Context, subscriberID, token string,
) (common.Subscriber, error) {
	subscriber, err := g.subscribers.GetByToken(ctxt, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return common.Subscriber{}, ErrNotFound
		}
		return common.Subscriber{}, err
	}
	if subscriber.ID != subscriberID {
		return common.Subscriber{}, ErrIdentityMismatch
	}
	if !subscriber.Active {
		return common.Subscriber{}, ErrInactive
	}
	if subscriber.TokenExpired(g.now()) {
		return common.Subscriber{}, ErrExpired
	}
	return subscriber, nil
}

// bind run the credential checks and write the binding
func (g *gateImpl) bind(
	ctxt context.Context, connectionID, subscriberID, token string,
) (AuthResult, SessionCloser, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	switch g.stateOf(connectionID) {
	case StateClosed:
		return AuthResult{}, nil, ErrConnectionClosed
	case StateAuthenticated:
		return AuthResult{}, nil, ErrAlreadyAuthenticated
	}

	subscriber, err := g.verify(ctxt, subscriberID, token)
	if err != nil {
		return AuthResult{}, nil, err
	}
	g.reconcile(ctxt)

	boundTo := connectionID
	subscriber.BoundConnectionID = &boundTo
	subscriber.UpdatedAt = g.now().UTC()
	if _, err := g.subscribers.Save(ctxt, subscriber); err != nil {
		return AuthResult{}, nil, err
	}
	delete(g.staleBindings, subscriberID)
	evicted, wasEvicted := g.registry.Register(connectionID, subscriberID)

	result := AuthResult{
		SubscriberID:   subscriber.ID,
		DisplayName:    subscriber.DisplayName,
		TokenExpiresAt: subscriber.TokenExpiresAt,
	}
	if wasEvicted {
		g.closed.Set(evicted, g.now(), ttlcache.DefaultTTL)
		result.EvictedConnectionID = evicted
	}
	return result, g.closer, nil
}

func (g *gateImpl) Disconnect(ctxt context.Context, connectionID string) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if !g.closed.Has(connectionID) {
		g.closed.Set(connectionID, g.now(), ttlcache.DefaultTTL)
	}
	g.reconcile(ctxt)

	subscriberID, ok := g.registry.LookupSubscriber(connectionID)
	if !ok {
		return
	}
	logTags := g.WithTags(log.Fields{"connection": connectionID, "subscriber": subscriberID})

	if err := g.clearBinding(ctxt, subscriberID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Unable to clear subscriber binding, will retry on reconcile",
		)
		g.staleBindings[subscriberID] = connectionID
	}
	g.registry.Unregister(connectionID)
	log.WithFields(logTags).Info("Disconnected")
}

// clearBindingAttempts number of tries to clear a store binding before deferring to reconcile
const clearBindingAttempts = 3

// clearBinding remove the store binding of a subscriber if it still names the connection.
// Caller must hold the lock.
func (g *gateImpl) clearBinding(ctxt context.Context, subscriberID, connectionID string) error {
	var err error
	for attempt := 0; attempt < clearBindingAttempts; attempt++ {
		var subscriber common.Subscriber
		subscriber, err = g.subscribers.Get(ctxt, subscriberID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			continue
		}
		if subscriber.BoundConnectionID == nil || *subscriber.BoundConnectionID != connectionID {
			return nil
		}
		subscriber.BoundConnectionID = nil
		subscriber.UpdatedAt = g.now().UTC()
		if _, err = g.subscribers.Save(ctxt, subscriber); err == nil {
			return nil
		}
	}
	return err
}

// reconcile retry the pending binding clears. Caller must hold the lock.
func (g *gateImpl) reconcile(ctxt context.Context) {
	for subscriberID, connectionID := range g.staleBindings {
		if current, ok := g.registry.LookupConnection(subscriberID); ok && current == connectionID {
			delete(g.staleBindings, subscriberID)
			continue
		}
		if err := g.clearBinding(ctxt, subscriberID, connectionID); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Binding of %s to %s still not cleared", subscriberID, connectionID,
			)
			continue
		}
		delete(g.staleBindings, subscriberID)
		log.WithFields(g.LogTags).Infof("Cleared stale binding of %s to %s", subscriberID, connectionID)
	}
}

func (g *gateImpl) Reconcile(ctxt context.Context) int {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.reconcile(ctxt)
	return len(g.staleBindings)
}

func (g *gateImpl) ConnectionStatus(ctxt context.Context, connectionID string) SessionStatus {
	subscriberID, ok := g.registry.LookupSubscriber(connectionID)
	if !ok {
		return SessionStatus{Connected: false}
	}
	status := SessionStatus{SubscriberID: &subscriberID, Connected: true}
	subscriber, err := g.subscribers.Get(ctxt, subscriberID)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to read %s", subscriberID)
		return status
	}
	status.DisplayName = &subscriber.DisplayName
	status.TokenExpiresAt = &subscriber.TokenExpiresAt
	return status
}

// ================================================================================
// Credential issuance

func newSubscriberID() string {
	return "subscriber-" + uuid.New().String()[:8]
}

func newToken() string {
	return "token-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (g *gateImpl) CreateSubscriber(
	ctxt context.Context, displayName string,
) (common.Subscriber, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return common.Subscriber{}, fmt.Errorf("display name is empty")
	}
	g.lock.Lock()
	defer g.lock.Unlock()

	timestamp := g.now().UTC()
	subscriber := common.Subscriber{
		ID:             newSubscriberID(),
		DisplayName:    displayName,
		Token:          newToken(),
		Active:         true,
		TokenExpiresAt: timestamp.Add(g.tokenValidity),
		CreatedAt:      timestamp,
		UpdatedAt:      timestamp,
	}
	if _, err := g.subscribers.Get(ctxt, subscriber.ID); err == nil {
		return common.Subscriber{}, fmt.Errorf("subscriber ID collision on %s", subscriber.ID)
	}
	saved, err := g.subscribers.Save(ctxt, subscriber)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to create %s", subscriber)
		return common.Subscriber{}, err
	}
	log.WithFields(g.LogTags).Infof("Created %s", saved)
	return saved, nil
}

func (g *gateImpl) RotateToken(
	ctxt context.Context, subscriberID string,
) (common.Subscriber, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	subscriber, err := g.subscribers.Get(ctxt, subscriberID)
	if err != nil {
		return common.Subscriber{}, err
	}
	timestamp := g.now().UTC()
	subscriber.Token = newToken()
	subscriber.TokenExpiresAt = timestamp.Add(g.tokenValidity)
	subscriber.UpdatedAt = timestamp
	saved, err := g.subscribers.Save(ctxt, subscriber)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to rotate token of %s", subscriber)
		return common.Subscriber{}, err
	}
	log.WithFields(g.LogTags).Infof("Rotated token of %s", saved)
	return saved, nil
}

func (g *gateImpl) SetActive(
	ctxt context.Context, subscriberID string, active bool,
) (common.Subscriber, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	subscriber, err := g.subscribers.Get(ctxt, subscriberID)
	if err != nil {
		return common.Subscriber{}, err
	}
	subscriber.Active = active
	subscriber.UpdatedAt = g.now().UTC()
	saved, err := g.subscribers.Save(ctxt, subscriber)
	if err != nil {
		return common.Subscriber{}, err
	}
	log.WithFields(g.LogTags).Infof("%s active=%v", saved, active)
	return saved, nil
}

func (g *gateImpl) Verify(
	ctxt context.Context, subscriberID, token string,
) (common.Subscriber, error) {
	return g.verify(ctxt, subscriberID, token)
}
