package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/alertstream/common"
	"github.com/apex/log"
)

// ConnectionStatus summary of the live connection bindings
type ConnectionStatus struct {
	// TotalConnections number of connections bound to a subscriber
	TotalConnections int `json:"total_connections"`
	// ConnectedSubscribers number of subscribers with a bound connection
	ConnectedSubscribers int `json:"connected_subscribers"`
}

// Binding one subscriber to connection binding
type Binding struct {
	SubscriberID string `json:"subscriber_id"`
	ConnectionID string `json:"connection_id"`
}

// ConnectionRegistry tracks which connection each subscriber is using.
//
// A subscriber owns at most one connection, and a connection belongs to at most one subscriber.
type ConnectionRegistry interface {
	// Register bind a connection to a subscriber. If the subscriber already owns a different
	// connection, that connection is evicted and returned.
	Register(connectionID, subscriberID string) (string, bool)
	// Unregister drop the binding of a connection. Unknown connections are ignored.
	Unregister(connectionID string)
	// LookupSubscriber get the subscriber bound to a connection
	LookupSubscriber(connectionID string) (string, bool)
	// LookupConnection get the connection bound to a subscriber
	LookupConnection(subscriberID string) (string, bool)
	// IsConnected whether a subscriber has a bound connection
	IsConnected(subscriberID string) bool
	// Status get the binding counts
	Status() ConnectionStatus
	// Snapshot get a copy of all bindings, ordered by subscriber ID
	Snapshot() []Binding
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock                   sync.RWMutex
	subscriberByConnection map[string]string
	connectionBySubscriber map[string]string
}

// GetConnectionRegistry define a new connection registry
func GetConnectionRegistry(name string) ConnectionRegistry {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": name,
	}
	return &connectionRegistryImpl{
		Component:              common.Component{LogTags: logTags},
		subscriberByConnection: make(map[string]string),
		connectionBySubscriber: make(map[string]string),
	}
}

func (r *connectionRegistryImpl) Register(connectionID, subscriberID string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	evicted, hasPrior := r.connectionBySubscriber[subscriberID]
	if hasPrior && evicted == connectionID {
		return "", false
	}
	if hasPrior {
		delete(r.subscriberByConnection, evicted)
		log.WithFields(r.LogTags).Infof(
			"Subscriber %s moved from connection %s to %s", subscriberID, evicted, connectionID,
		)
	}
	// The connection may already speak for another subscriber
	if otherSubscriber, ok := r.subscriberByConnection[connectionID]; ok {
		delete(r.connectionBySubscriber, otherSubscriber)
	}
	r.subscriberByConnection[connectionID] = subscriberID
	r.connectionBySubscriber[subscriberID] = connectionID

	r.assertConsistent()
	return evicted, hasPrior
}

func (r *connectionRegistryImpl) Unregister(connectionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	subscriberID, ok := r.subscriberByConnection[connectionID]
	if !ok {
		return
	}
	delete(r.subscriberByConnection, connectionID)
	if owner, ok := r.connectionBySubscriber[subscriberID]; ok && owner == connectionID {
		delete(r.connectionBySubscriber, subscriberID)
	}

	r.assertConsistent()
}

func (r *connectionRegistryImpl) LookupSubscriber(connectionID string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	subscriberID, ok := r.subscriberByConnection[connectionID]
	return subscriberID, ok
}

func (r *connectionRegistryImpl) LookupConnection(subscriberID string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	connectionID, ok := r.connectionBySubscriber[subscriberID]
	return connectionID, ok
}

func (r *connectionRegistryImpl) IsConnected(subscriberID string) bool {
	_, ok := r.LookupConnection(subscriberID)
	return ok
}

func (r *connectionRegistryImpl) Status() ConnectionStatus {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return ConnectionStatus{
		TotalConnections:     len(r.subscriberByConnection),
		ConnectedSubscribers: len(r.connectionBySubscriber),
	}
}

func (r *connectionRegistryImpl) Snapshot() []Binding {
	r.lock.RLock()
	result := make([]Binding, 0, len(r.connectionBySubscriber))
	for subscriberID, connectionID := range r.connectionBySubscriber {
		result = append(result, Binding{SubscriberID: subscriberID, ConnectionID: connectionID})
	}
	r.lock.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubscriberID < result[j].SubscriberID
	})
	return result
}

// assertConsistent verify the two tables are inverses of each other. Caller must hold the
// write lock.
func (r *connectionRegistryImpl) assertConsistent() {
	if err := checkInverse(r.subscriberByConnection, r.connectionBySubscriber); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Registry tables diverged")
		panic(err)
	}
}

func checkInverse(subscriberByConnection, connectionBySubscriber map[string]string) error {
	if len(subscriberByConnection) != len(connectionBySubscriber) {
		return fmt.Errorf(
			"table sizes differ: %d connections, %d subscribers",
			len(subscriberByConnection),
			len(connectionBySubscriber),
		)
	}
	for connectionID, subscriberID := range subscriberByConnection {
		if owner, ok := connectionBySubscriber[subscriberID]; !ok || owner != connectionID {
			return fmt.Errorf(
				"connection %s maps to %s which does not map back", connectionID, subscriberID,
			)
		}
	}
	return nil
}
