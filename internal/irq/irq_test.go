package irq

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGo_Name(t *testing.T) {
	got := make(chan string, 1)
	Go(context.Background(), "radio-isr", func(ctx context.Context) {
		got <- Name(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "radio-isr", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}

	assert.Equal(t, "", Name(context.Background()))
	//nolint:staticcheck // nil context is part of the contract
	assert.Equal(t, "", Name(nil))
}

func TestLine_RunsHandlersSerially(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	line := NewLine(ctx, "test-line", 64, quietLogger())
	defer line.Close()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		order   []int
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		require.True(t, line.Post(func() {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		}))
	}

	wg.Wait()
	assert.Equal(t, 1, maxSeen, "handlers MUST never overlap")
	assert.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v, "handlers MUST run in post order")
	}
}

func TestLine_Overrun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	line := NewLine(ctx, "tiny-line", 1, quietLogger())
	defer line.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, line.Post(func() {
		close(started)
		<-block
	}))
	<-started

	assert.True(t, line.Post(func() {}), "one slot is free while the handler runs")
	assert.False(t, line.Post(func() {}), "saturated line MUST drop")
	assert.Equal(t, uint64(1), line.Overruns())

	close(block)
}
