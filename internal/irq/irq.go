// Package irq models interrupt context on a host: named goroutines carrying
// pprof labels, and a serial interrupt line that runs handlers one at a time.
package irq

import (
	"context"
	"runtime/pprof"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const nameKey ctxKey = "irq_name"

// Go starts fn on a goroutine labelled with name.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("irq", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, nameKey, name)
		fn(ctx)
	})
}

// Name returns the name given to Go, or "" outside such a goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(nameKey).(string); ok {
		return v
	}
	return ""
}

// Line is one interrupt priority level: handlers posted to it run serially on
// a single goroutine, so two handlers of the same line never overlap.
type Line struct {
	name     string
	pending  chan func()
	logger   *logrus.Logger
	overruns atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLine starts an interrupt line with room for depth pending handlers.
func NewLine(ctx context.Context, name string, depth int, logger *logrus.Logger) *Line {
	if depth <= 0 {
		depth = 16
	}
	if logger == nil {
		logger = logrus.New()
	}

	l := &Line{
		name:    name,
		pending: make(chan func(), depth),
		logger:  logger,
		stop:    make(chan struct{}),
	}

	l.wg.Add(1)
	Go(ctx, name, func(ctx context.Context) {
		defer l.wg.Done()
		defer logger.WithField("line", Name(ctx)).Debug("interrupt line stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case fn := <-l.pending:
				fn()
			}
		}
	})

	return l
}

// Post raises an interrupt. It never blocks; when the line is saturated the
// interrupt is lost, counted as an overrun, and Post returns false.
func (l *Line) Post(fn func()) bool {
	select {
	case l.pending <- fn:
		return true
	default:
		l.overruns.Add(1)
		l.logger.WithField("line", l.name).Error("interrupt overrun")
		return false
	}
}

// Overruns returns the number of interrupts dropped by Post.
func (l *Line) Overruns() uint64 {
	return l.overruns.Load()
}

// Close stops the line and waits for the running handler, if any.
func (l *Line) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}
