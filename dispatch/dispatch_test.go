package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/dataplane"
	"github.com/alwitt/alertstream/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestIngestionQueueCapacity(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: invalid capacity
	{
		_, err := GetIngestionQueue(0)
		assert.NotNil(err)
	}

	uut, err := GetIngestionQueue(2)
	assert.Nil(err)

	// Case 1: empty queue
	assert.Equal(
		QueueStatus{CurrentSize: 0, Capacity: 2, RemainingCapacity: 2, UtilizationRate: 0},
		uut.Status(),
	)

	// Case 2: fill past capacity
	{
		assert.True(uut.Enqueue("n1"))
		assert.Equal(50.0, uut.Status().UtilizationRate)
		assert.True(uut.Enqueue("n2"))
		assert.False(uut.Enqueue("n3"))
		status := uut.Status()
		assert.Equal(2, status.CurrentSize)
		assert.Equal(2, status.Capacity)
		assert.Equal(0, status.RemainingCapacity)
		assert.Equal(100.0, status.UtilizationRate)
		assert.Equal(QueueCounters{Accepted: 2, Rejected: 1}, uut.Counters())
	}

	// Case 3: entries come out in order, and the dropped entry is gone
	{
		ctxt := context.Background()
		recordID, ok := uut.poll(ctxt, time.Millisecond*10)
		assert.True(ok)
		assert.Equal("n1", recordID)
		recordID, ok = uut.poll(ctxt, time.Millisecond*10)
		assert.True(ok)
		assert.Equal("n2", recordID)
		_, ok = uut.poll(ctxt, time.Millisecond*10)
		assert.False(ok)
	}
}

// recordingBroadcaster collects the IDs of the records it is given
type recordingBroadcaster struct {
	received chan string
}

func (b *recordingBroadcaster) BroadcastToAll(
	ctxt context.Context, record common.Record,
) dataplane.BroadcastSummary {
	if record.ID == "explode" {
		panic("fan-out failure")
	}
	b.received <- record.ID
	return dataplane.BroadcastSummary{}
}

// trappedRecordStore panics when reading selected records
type trappedRecordStore struct {
	storage.RecordStore
	trapped map[string]bool
}

func (s *trappedRecordStore) Get(ctxt context.Context, recordID string) (common.Record, error) {
	if s.trapped[recordID] {
		panic("record store failure")
	}
	return s.RecordStore.Get(ctxt, recordID)
}

func defineDispatchFixture(
	t *testing.T, ctxt context.Context, capacity int, recordIDs ...string,
) (*IngestionQueue, *recordingBroadcaster, Dispatcher) {
	records := &trappedRecordStore{
		RecordStore: storage.GetRecordStore(storage.GetMemoryKVStore("unit-test"), nil),
		trapped:     map[string]bool{"boom": true},
	}
	for _, recordID := range recordIDs {
		_, err := records.Save(ctxt, common.Record{ID: recordID, Title: recordID})
		assert.Nil(t, err)
	}
	queue, err := GetIngestionQueue(capacity)
	assert.Nil(t, err)
	fanout := &recordingBroadcaster{received: make(chan string, capacity)}
	uut, err := DefineDispatcher(ctxt, DispatcherParams{
		Queue:   queue,
		Records: records,
		Fanout:  fanout,
		Config:  common.QueueConfig{Capacity: capacity, PollTimeout: 20, BroadcastBuffer: 4},
	})
	assert.Nil(t, err)
	return queue, fanout, uut
}

func TestDispatcherDefinition(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	queue, err := GetIngestionQueue(1)
	assert.Nil(err)

	// Case 0: missing collaborators
	_, err = DefineDispatcher(ctxt, DispatcherParams{Queue: queue})
	assert.NotNil(err)

	// Case 1: invalid timeout
	_, err = DefineDispatcher(ctxt, DispatcherParams{
		Queue:   queue,
		Records: storage.GetRecordStore(storage.GetMemoryKVStore("unit-test"), nil),
		Fanout:  &recordingBroadcaster{},
		Config:  common.QueueConfig{Capacity: 1, PollTimeout: 0, BroadcastBuffer: 1},
	})
	assert.NotNil(err)
}

func TestDispatcherPollOnce(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue, _, uut := defineDispatchFixture(t, ctxt, 4, "n1")
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 0: idle tick
	{
		startTime := time.Now()
		_, taken := uut.PollOnce(ctxt)
		assert.False(taken)
		assert.GreaterOrEqual(time.Since(startTime), time.Millisecond*20)
	}

	// Case 1: unknown record is discarded
	{
		assert.True(queue.Enqueue("missing"))
		recordID, taken := uut.PollOnce(ctxt)
		assert.True(taken)
		assert.Equal("missing", recordID)
		assert.Equal(DispatchCounters{Dispatched: 0, Discarded: 1}, uut.Counters())
	}

	// Case 2: panic while resolving is contained
	{
		assert.True(queue.Enqueue("boom"))
		recordID, taken := uut.PollOnce(ctxt)
		assert.True(taken)
		assert.Equal("boom", recordID)
	}

	// Case 3: known record is handed to the broadcast worker
	{
		assert.True(queue.Enqueue("n1"))
		_, taken := uut.PollOnce(ctxt)
		assert.True(taken)
		assert.Equal(DispatchCounters{Dispatched: 1, Discarded: 1}, uut.Counters())
	}
}

func TestDispatcherLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue, fanout, uut := defineDispatchFixture(t, ctxt, 8, "a", "b", "c", "explode", "d")

	assert.Nil(uut.Start(&wg))
	assert.NotNil(uut.Start(&wg))

	// Case 0: FIFO order, bad items do not stop the loop
	{
		for _, recordID := range []string{"a", "missing", "b", "boom", "explode", "c", "d"} {
			assert.True(queue.Enqueue(recordID))
		}
		for _, expected := range []string{"a", "b", "c", "d"} {
			select {
			case recordID := <-fanout.received:
				assert.Equal(expected, recordID)
			case <-time.After(time.Second * 2):
				assert.Failf("record not broadcast in time", "expected %s", expected)
			}
		}
		assert.Equal(0, queue.Status().CurrentSize)
	}

	// Case 1: stop ends the loop
	{
		assert.Nil(uut.Stop())
		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(time.Second * 2):
			assert.Fail("dispatch loop did not exit")
		}
		assert.NotNil(uut.Start(&wg))
	}
}
