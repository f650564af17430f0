package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimer(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, "testing", &wg)
	assert.Nil(err)

	var calls int32
	callback := func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, callback))

	// Case 1: handler called repeatedly
	{
		assert.Nil(uut.Start(time.Millisecond*20, callback))
		assert.NotNil(uut.Start(time.Millisecond*20, callback))
		assert.Eventually(func() bool {
			return atomic.LoadInt32(&calls) >= 3
		}, time.Second, time.Millisecond*10)
	}

	// Case 2: no calls after stop
	{
		assert.Nil(uut.Stop())
		assert.Nil(uut.Stop())
		time.Sleep(time.Millisecond * 30)
		stopped := atomic.LoadInt32(&calls)
		time.Sleep(time.Millisecond * 60)
		assert.Equal(stopped, atomic.LoadInt32(&calls))
	}

	// Case 3: timer can be restarted
	{
		before := atomic.LoadInt32(&calls)
		assert.Nil(uut.Start(time.Millisecond*20, callback))
		assert.Eventually(func() bool {
			return atomic.LoadInt32(&calls) > before
		}, time.Second, time.Millisecond*10)
		assert.Nil(uut.Stop())
	}
}
