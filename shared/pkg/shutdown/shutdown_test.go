package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	m := New(time.Second, logging.NewNop())
	var order []string

	m.Register("store", func(ctx context.Context) error { order = append(order, "store"); return nil })
	m.Register("scheduler", func(ctx context.Context) error { order = append(order, "scheduler"); return nil })
	m.Register("http", func(ctx context.Context) error { order = append(order, "http"); return errors.New("boom") })

	failed := m.Shutdown()

	assert.Equal(t, []string{"http", "scheduler", "store"}, order)
	assert.Equal(t, []string{"http"}, failed)

	select {
	case <-m.Done():
	default:
		t.Error("Done channel not closed after Shutdown")
	}
}

func TestTriggerReleasesWait(t *testing.T) {
	m := New(time.Second, logging.NewNop())
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()

	m.Trigger()
	m.Trigger()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
}

func TestStopFuncTimesOut(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := StopFunc(func() { <-block })(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitFor(t *testing.T) {
	n := 0
	err := WaitFor(func() bool { n++; return n >= 3 }, time.Millisecond)(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}
