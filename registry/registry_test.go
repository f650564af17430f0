package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRegistryRegisterAndEvict(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetConnectionRegistry("unit-test")

	// Case 0: empty registry
	{
		_, ok := uut.LookupSubscriber("c1")
		assert.False(ok)
		assert.False(uut.IsConnected("S1"))
		assert.Equal(ConnectionStatus{}, uut.Status())
		assert.Empty(uut.Snapshot())
	}

	// Case 1: first connection
	{
		_, evicted := uut.Register("c1", "S1")
		assert.False(evicted)
		assert.True(uut.IsConnected("S1"))
		connID, ok := uut.LookupConnection("S1")
		assert.True(ok)
		assert.Equal("c1", connID)
		subID, ok := uut.LookupSubscriber("c1")
		assert.True(ok)
		assert.Equal("S1", subID)
	}

	// Case 2: same binding again changes nothing
	{
		_, evicted := uut.Register("c1", "S1")
		assert.False(evicted)
		assert.Equal(ConnectionStatus{TotalConnections: 1, ConnectedSubscribers: 1}, uut.Status())
	}

	// Case 3: new connection for the same subscriber evicts the old one
	{
		old, evicted := uut.Register("c2", "S1")
		assert.True(evicted)
		assert.Equal("c1", old)
		_, ok := uut.LookupSubscriber("c1")
		assert.False(ok)
		subID, ok := uut.LookupSubscriber("c2")
		assert.True(ok)
		assert.Equal("S1", subID)
		assert.Equal(ConnectionStatus{TotalConnections: 1, ConnectedSubscribers: 1}, uut.Status())
	}

	// Case 4: a connection re-bound to a different subscriber
	{
		uut.Register("c3", "S2")
		_, evicted := uut.Register("c3", "S3")
		assert.False(evicted)
		assert.False(uut.IsConnected("S2"))
		assert.True(uut.IsConnected("S3"))
		assert.Equal(
			[]Binding{
				{SubscriberID: "S1", ConnectionID: "c2"},
				{SubscriberID: "S3", ConnectionID: "c3"},
			},
			uut.Snapshot(),
		)
	}

	// Case 5: unregister is idempotent
	{
		uut.Unregister("c1")
		uut.Unregister("c2")
		uut.Unregister("c2")
		assert.False(uut.IsConnected("S1"))
		assert.Equal(ConnectionStatus{TotalConnections: 1, ConnectedSubscribers: 1}, uut.Status())
		uut.Unregister("c3")
		assert.Equal(ConnectionStatus{}, uut.Status())
	}
}

func TestRegistryInverseCheck(t *testing.T) {
	assert := assert.New(t)

	// Case 0: consistent
	assert.Nil(checkInverse(map[string]string{"c1": "S1"}, map[string]string{"S1": "c1"}))

	// Case 1: size mismatch
	assert.NotNil(checkInverse(map[string]string{"c1": "S1"}, map[string]string{}))

	// Case 2: reverse entry points elsewhere
	assert.NotNil(checkInverse(
		map[string]string{"c1": "S1", "c2": "S2"}, map[string]string{"S1": "c2", "S2": "c1"},
	))
}

func TestRegistryConcurrentUse(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut := GetConnectionRegistry("unit-test")
	impl, ok := uut.(*connectionRegistryImpl)
	assert.True(ok)

	subscribers := []string{"S1", "S2", "S3", "S4"}
	wg := sync.WaitGroup{}
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))
			for itr := 0; itr < 500; itr++ {
				connID := fmt.Sprintf("c-%d-%d", worker, rng.Intn(6))
				switch rng.Intn(4) {
				case 0, 1:
					uut.Register(connID, subscribers[rng.Intn(len(subscribers))])
				case 2:
					uut.Unregister(connID)
				default:
					status := uut.Status()
					if status.TotalConnections != status.ConnectedSubscribers {
						panic("status diverged")
					}
					for _, binding := range uut.Snapshot() {
						_ = uut.IsConnected(binding.SubscriberID)
					}
				}
			}
		}(worker)
	}
	wg.Wait()

	impl.lock.RLock()
	defer impl.lock.RUnlock()
	assert.Nil(checkInverse(impl.subscriberByConnection, impl.connectionBySubscriber))
	assert.LessOrEqual(len(impl.connectionBySubscriber), len(subscribers))
}
