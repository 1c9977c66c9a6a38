package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// errStalled is returned when a wait can never finish because nothing is
// scheduled that could settle it.
var errStalled = errors.New("sandbox: nothing pending can settle the awaited value")

// loop is the executor's event loop. Only the executor goroutine touches the
// VM; other goroutines hand work back through external.
type loop struct {
	vm       *goja.Runtime
	queue    []func()
	external chan func()
	done     chan struct{}
	closed   sync.Once
	waiting  int // timers and in-flight host calls that will enqueue a task
	nextID   int64
	timers   map[int64]*time.Timer
	flushPrg *goja.Program
}

func newLoop(vm *goja.Runtime) *loop {
	return &loop{
		vm:       vm,
		external: make(chan func(), 64),
		done:     make(chan struct{}),
		timers:   make(map[int64]*time.Timer),
		flushPrg: goja.MustCompile("flush", "", false),
	}
}

// schedule queues fn from the loop goroutine.
func (l *loop) schedule(fn func()) {
	l.queue = append(l.queue, fn)
}

// hold registers an async source and returns the function that hands its
// completion back to the loop from any goroutine.
func (l *loop) hold() func(fn func()) {
	l.waiting++
	var once sync.Once
	return func(fn func()) {
		once.Do(func() {
			select {
			case l.external <- func() { l.waiting--; fn() }:
			case <-l.done:
			}
		})
	}
}

// flush drains the promise job queue after Go code settled a promise.
func (l *loop) flush() error {
	_, err := l.vm.RunProgram(l.flushPrg)
	return err
}

// setTimeout schedules fn after d and returns the timer id.
func (l *loop) setTimeout(d time.Duration, fn func()) int64 {
	l.nextID++
	id := l.nextID
	release := l.hold()
	l.timers[id] = time.AfterFunc(d, func() {
		release(func() {
			if _, ok := l.timers[id]; !ok {
				return
			}
			delete(l.timers, id)
			fn()
		})
	})
	return id
}

func (l *loop) clearTimeout(id int64) {
	t, ok := l.timers[id]
	if !ok {
		return
	}
	delete(l.timers, id)
	if t.Stop() {
		l.waiting--
	}
}

// runUntil processes tasks until cond holds.
func (l *loop) runUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue = l.queue[1:]
			fn()
			continue
		}
		if l.waiting == 0 {
			return errStalled
		}
		select {
		case fn := <-l.external:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// close stops pending timers and unblocks goroutines trying to hand back work.
func (l *loop) close() {
	l.closed.Do(func() {
		for id, t := range l.timers {
			t.Stop()
			delete(l.timers, id)
		}
		close(l.done)
	})
}
