package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/dataplane"
	"github.com/alwitt/alertstream/storage"
	"github.com/apex/log"
)

// RecordBroadcaster fans a record out to the connected subscribers
type RecordBroadcaster interface {
	BroadcastToAll(ctxt context.Context, record common.Record) dataplane.BroadcastSummary
}

// DispatchCounters lifetime counters of the dispatcher
type DispatchCounters struct {
	// Dispatched records handed to the fan-out
	Dispatched uint64 `json:"dispatched"`
	// Discarded record IDs which could not be resolved
	Discarded uint64 `json:"discarded"`
}

// Dispatcher drains the ingestion queue and hands resolved records to the fan-out
type Dispatcher interface {
	// Start start the dispatch loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the dispatch loop. The item in progress may or may not be delivered.
	Stop() error
	// PollOnce run one iteration of the dispatch loop. Returns the record ID taken from the
	// queue, if any.
	PollOnce(ctxt context.Context) (string, bool)
	// Counters get the lifetime counters
	Counters() DispatchCounters
}

// DispatcherParams parameters for defining a Dispatcher
type DispatcherParams struct {
	Queue   *IngestionQueue
	Records storage.RecordStore
	Fanout  RecordBroadcaster
	Config  common.QueueConfig
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	queue         *IngestionQueue
	records       storage.RecordStore
	fanout        RecordBroadcaster
	pollTimeout   time.Duration
	worker        common.TaskProcessor
	operationCtxt context.Context
	contextCancel context.CancelFunc
	lock          sync.Mutex
	running       bool
	dispatched    atomic.Uint64
	discarded     atomic.Uint64
}

// broadcastRequest a resolved record waiting for fan-out
type broadcastRequest struct {
	record common.Record
}

// DefineDispatcher define a new dispatcher
func DefineDispatcher(rootCtxt context.Context, params DispatcherParams) (Dispatcher, error) {
	if params.Queue == nil || params.Records == nil || params.Fanout == nil {
		return nil, fmt.Errorf("queue, record store, and broadcaster are required")
	}
	if params.Config.PollTimeout < 1 {
		return nil, fmt.Errorf("poll timeout must be positive: %d", params.Config.PollTimeout)
	}
	logTags := log.Fields{"module": "dispatch", "component": "dispatcher"}
	ctxt, cancel := context.WithCancel(rootCtxt)
	// One worker keeps the broadcasts in queue order
	worker, err := common.GetNewTaskProcessorInstance(ctxt, "broadcast", params.Config.BroadcastBuffer)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast worker")
		return nil, err
	}
	instance := &dispatcherImpl{
		Component:     common.Component{LogTags: logTags},
		queue:         params.Queue,
		records:       params.Records,
		fanout:        params.Fanout,
		pollTimeout:   params.Config.PollTimeoutDuration(),
		worker:        worker,
		operationCtxt: ctxt,
		contextCancel: cancel,
	}
	if err := worker.AddToTaskExecutionMap(
		reflect.TypeOf(broadcastRequest{}), instance.processBroadcastRequest,
	); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

func (d *dispatcherImpl) Counters() DispatchCounters {
	return DispatchCounters{Dispatched: d.dispatched.Load(), Discarded: d.discarded.Load()}
}

func (d *dispatcherImpl) Start(wg *sync.WaitGroup) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	if d.operationCtxt.Err() != nil {
		return fmt.Errorf("dispatcher already stopped")
	}
	if err := d.worker.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to start broadcast worker")
		return err
	}
	d.running = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(d.LogTags).Info("Dispatch loop starting")
		defer log.WithFields(d.LogTags).Info("Dispatch loop exiting")
		for d.operationCtxt.Err() == nil {
			d.PollOnce(d.operationCtxt)
		}
	}()
	return nil
}

func (d *dispatcherImpl) Stop() error {
	log.WithFields(d.LogTags).Info("Stopping dispatcher")
	d.contextCancel()
	return d.worker.StopEventLoop()
}

func (d *dispatcherImpl) PollOnce(ctxt context.Context) (recordID string, taken bool) {
	recordID, taken = d.queue.poll(ctxt, d.pollTimeout)
	if !taken {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(d.LogTags).Errorf("Dispatch of RECORD[%s] panicked: %v", recordID, r)
		}
	}()
	if err := d.dispatch(ctxt, recordID); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Dispatch of RECORD[%s] failed", recordID)
	}
	return recordID, true
}

// dispatch resolve a record ID and pass the record to the broadcast worker
func (d *dispatcherImpl) dispatch(ctxt context.Context, recordID string) error {
	record, err := d.records.Get(ctxt, recordID)
	if err != nil {
		d.discarded.Add(1)
		if errors.Is(err, storage.ErrNotFound) {
			log.WithFields(d.LogTags).Warnf("RECORD[%s] not found, discarding", recordID)
			return nil
		}
		return err
	}
	if err := d.worker.Submit(ctxt, broadcastRequest{record: record}); err != nil {
		return err
	}
	d.dispatched.Add(1)
	return nil
}

func (d *dispatcherImpl) processBroadcastRequest(param interface{}) error {
	request, ok := param.(broadcastRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for broadcast request", reflect.TypeOf(param),
		)
	}
	summary := d.fanout.BroadcastToAll(d.operationCtxt, request.record)
	log.WithFields(d.LogTags).Debugf(
		"%s delivered to %d of %d subscribers",
		request.record,
		summary.Delivered,
		summary.Targets,
	)
	return nil
}
