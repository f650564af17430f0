package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid buffer size
	{
		_, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
		assert.NotNil(err)
	}

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 5: handler panic is converted into an error
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(""), func(p interface{}) error { panic("bad task") },
		))
		assert.NotNil(uut.ProcessNewTaskParam("boom"))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	processed := make(chan int, 8)
	assert.Nil(uut.AddToTaskExecutionMap(reflect.TypeOf(0), func(p interface{}) error {
		value := p.(int)
		if value == 2 {
			panic("bad task")
		}
		processed <- value
		return nil
	}))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in submission order, a panic does not stop the loop
	{
		for itr := 1; itr <= 4; itr++ {
			useContext, cancel := context.WithTimeout(ctxt, time.Second)
			assert.Nil(uut.Submit(useContext, itr))
			cancel()
		}
		for _, expected := range []int{1, 3, 4} {
			select {
			case value := <-processed:
				assert.Equal(expected, value)
			case <-time.After(time.Second):
				assert.Fail("task not processed in time")
			}
		}
	}

	// Case 2: submit after stop fails
	{
		assert.Nil(uut.StopEventLoop())
		useContext, cancel := context.WithTimeout(ctxt, time.Millisecond*100)
		defer cancel()
		assert.NotNil(uut.Submit(useContext, 10))
	}
}
