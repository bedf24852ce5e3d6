package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycle_Transitions(t *testing.T) {
	var l Lifecycle
	assert.Equal(t, StateUninitialized, l.State())
	assert.ErrorIs(t, l.Check(), ErrNotOpen)

	l.MarkOpen()
	assert.Equal(t, StateOpen, l.State())
	assert.NoError(t, l.Check())

	assert.NoError(t, l.Close(nil))
	assert.Equal(t, StateClosed, l.State())
	assert.ErrorIs(t, l.Check(), ErrClosed)

	// No way back.
	l.MarkOpen()
	assert.Equal(t, StateClosed, l.State())
}

func TestLifecycle_CloseReleasesOnce(t *testing.T) {
	var l Lifecycle
	l.MarkOpen()

	var calls atomic.Int32
	release := func() error {
		calls.Add(1)
		return errors.New("pool close failed")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Close(release)
		}()
	}
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, failures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(7).String())
}
