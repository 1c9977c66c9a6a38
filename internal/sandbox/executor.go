package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/shared/id"
)

var (
	ErrAlreadyStarted = errors.New("sandbox: executor already started")
	ErrNoReply        = errors.New("sandbox: executor exited without a reply")
)

// Executor runs one start message in a fresh goja runtime on its own
// goroutine. Everything it produces is posted to Messages().
type Executor struct {
	id  id.WorkerID
	cfg Config
	log *zap.Logger

	out       chan *Message
	stop      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	console []LogEntry

	// owned by the executor goroutine
	ctx    context.Context
	vm     *goja.Runtime
	loop   *loop
	loader *loader
	codec  *codec
}

// New creates an executor. It does nothing until Start.
func New(cfg Config) *Executor {
	cfg = cfg.withDefaults()
	wid := id.NewWorkerID()
	return &Executor{
		id:   wid,
		cfg:  cfg,
		log:  cfg.Logger.With(zap.String("worker", wid.String())),
		out:  make(chan *Message, cfg.OutboxCapacity),
		stop: make(chan struct{}),
	}
}

// ID returns the executor's worker id
func (e *Executor) ID() id.WorkerID { return e.id }

// Messages is the outbox. It is closed after the terminal message.
func (e *Executor) Messages() <-chan *Message { return e.out }

// Console returns the captured console output
func (e *Executor) Console() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LogEntry(nil), e.console...)
}

// Start begins executing msg. Progress messages and exactly one success or
// error message are posted to the outbox.
func (e *Executor) Start(ctx context.Context, msg StartMessage) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if e.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go e.main(runCtx, msg)
	return nil
}

// Run starts msg and waits for its terminal message. Progress messages are
// handed to onProgress on the calling goroutine.
func (e *Executor) Run(ctx context.Context, msg StartMessage, onProgress func(*Message)) (*Message, error) {
	if err := e.Start(ctx, msg); err != nil {
		return nil, err
	}
	defer e.Close()

	for m := range e.out {
		if !m.Terminal() {
			if onProgress != nil {
				onProgress(m)
			}
			continue
		}
		if m.Outcome == OutcomeError {
			return m, &ExecutionError{Reply: m}
		}
		return m, nil
	}
	return nil, ErrNoReply
}

// Close interrupts a running executor and drops any undelivered messages.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		close(e.stop)
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()
	})
}

func (e *Executor) main(ctx context.Context, msg StartMessage) {
	defer close(e.out)

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	defer cancel()

	start := time.Now()
	e.cfg.Metrics.SandboxStarted()
	e.log.Debug("Executor started", zap.String("entry", msg.EntryPointID))

	reply := e.execute(ctx, msg)

	e.cfg.Metrics.SandboxFinished(reply.Outcome, time.Since(start))
	e.log.Debug("Executor finished",
		zap.String("outcome", reply.Outcome),
		zap.Duration("duration", time.Since(start)))
	e.post(reply)
}

func (e *Executor) execute(ctx context.Context, msg StartMessage) (reply *Message) {
	defer func() {
		if r := recover(); r != nil {
			reply = hostError("Error", fmt.Errorf("sandbox panic: %v", r))
			reply.Fields["data"] = quote(fmt.Sprint(r))
			e.log.Error("Executor panicked", zap.Any("panic", r))
			e.uncaught(&ExecutionError{Reply: reply})
		}
	}()

	if err := e.setup(ctx); err != nil {
		reply = hostError("Error", err)
		e.uncaught(&ExecutionError{Reply: reply})
		return reply
	}
	defer e.loop.close()

	stopWatch := e.watch(ctx)
	defer stopWatch()

	exports, err := e.evaluate(ctx, msg)
	if err == nil {
		reply, err = e.success(exports, msg.TransferPath)
	}
	if err != nil {
		reply = e.failure(ctx, err)
		e.uncaught(&ExecutionError{Reply: reply})
	}
	return reply
}

func (e *Executor) setup(ctx context.Context) error {
	e.ctx = ctx
	e.vm = goja.New()
	e.vm.SetMaxCallStackSize(e.cfg.MaxStackSize)
	e.loop = newLoop(e.vm)

	var err error
	if e.codec, err = newCodec(e.vm); err != nil {
		return err
	}
	e.loader = newLoader(e.vm, e.loop, e.reportValue)
	return e.installGlobals()
}

// watch interrupts the VM once ctx is done.
func (e *Executor) watch(ctx context.Context) func() {
	done := make(chan struct{})
	vm := e.vm
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// evaluate installs the modules and resolves the entry point's exports.
func (e *Executor) evaluate(ctx context.Context, msg StartMessage) (goja.Value, error) {
	if msg.ModuleBootstrap != "" {
		if _, err := e.vm.RunScript("bootstrap.js", msg.ModuleBootstrap); err != nil {
			return nil, err
		}
	}
	if len(msg.ModuleConfig) > 0 {
		if err := e.applyConfig(string(msg.ModuleConfig)); err != nil {
			return nil, err
		}
	}
	for i, def := range msg.ModuleDefinitions {
		if _, err := e.vm.RunScript(fmt.Sprintf("module-%d.js", i), def); err != nil {
			return nil, err
		}
	}

	exports, err := e.requireEntry(ctx, msg.EntryPointID)
	if err != nil {
		return nil, err
	}
	if isThenable(exports) {
		if exports, err = e.await(ctx, exports); err != nil {
			return nil, err
		}
	}
	return exports, e.normalize(ctx, exports)
}

func (e *Executor) applyConfig(raw string) error {
	cfg, err := e.codec.parse(raw)
	if err != nil {
		return err
	}
	req, ok := e.vm.Get("requirejs").(*goja.Object)
	if !ok {
		return errors.New("sandbox: module loader does not expose requirejs")
	}
	configure, ok := goja.AssertFunction(req.Get("config"))
	if !ok {
		return errors.New("sandbox: module loader does not support config")
	}
	_, err = configure(req, cfg)
	return err
}

// requireEntry asks the loader for id and waits until it settles.
func (e *Executor) requireEntry(ctx context.Context, entry string) (goja.Value, error) {
	requirejs, ok := goja.AssertFunction(e.vm.Get("requirejs"))
	if !ok {
		return nil, errors.New("sandbox: module loader does not expose requirejs")
	}
	promise, resolve, reject := e.vm.NewPromise()
	onLoad := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		_ = resolve(call.Argument(0))
		return goja.Undefined()
	})
	onError := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		_ = reject(call.Argument(0))
		return goja.Undefined()
	})
	if _, err := requirejs(goja.Undefined(), e.vm.NewArray(entry), onLoad, onError); err != nil {
		return nil, err
	}
	return e.settle(ctx, promise)
}

// normalize replaces every awaitable own enumerable export with its
// resolved value, in key order.
func (e *Executor) normalize(ctx context.Context, exports goja.Value) error {
	obj, ok := exports.(*goja.Object)
	if !ok {
		return nil
	}
	for _, key := range obj.Keys() {
		v := obj.Get(key)
		if !isThenable(v) {
			continue
		}
		resolved, err := e.await(ctx, v)
		if err != nil {
			return err
		}
		if err := obj.Set(key, resolved); err != nil {
			return err
		}
	}
	return nil
}

// await adopts a thenable through Promise.resolve and waits for it.
func (e *Executor) await(ctx context.Context, v goja.Value) (goja.Value, error) {
	promiseCtor := e.vm.Get("Promise").ToObject(e.vm)
	resolveFn, ok := goja.AssertFunction(promiseCtor.Get("resolve"))
	if !ok {
		return nil, errors.New("sandbox: Promise.resolve is not callable")
	}
	pv, err := resolveFn(promiseCtor, v)
	if err != nil {
		return nil, err
	}
	p, ok := pv.Export().(*goja.Promise)
	if !ok {
		return pv, nil
	}
	return e.settle(ctx, p)
}

func (e *Executor) settle(ctx context.Context, p *goja.Promise) (goja.Value, error) {
	err := e.loop.runUntil(ctx, func() bool { return p.State() != goja.PromiseStatePending })
	if err != nil {
		return nil, err
	}
	if p.State() == goja.PromiseStateRejected {
		return nil, &rejection{value: p.Result()}
	}
	return p.Result(), nil
}

func (e *Executor) success(exports goja.Value, transferPath string) (*Message, error) {
	reply := &Message{Outcome: OutcomeSuccess}
	if transferPath != "" {
		obj, ok := exports.(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("sandbox: cannot transfer %q from a non-object export", transferPath)
		}
		field := obj.Get(transferPath)
		if !isSet(field) {
			return nil, fmt.Errorf("sandbox: export has no field %q to transfer", transferPath)
		}
		reply.Transfer = toBytes(field)
		_ = obj.Delete(transferPath)
	}
	data, err := e.codec.marshal(exports)
	if err != nil {
		return nil, err
	}
	reply.Data = data
	return reply, nil
}

func (e *Executor) failure(ctx context.Context, err error) *Message {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return hostError("TimeoutError", fmt.Errorf("execution timeout exceeded after %s", e.cfg.Timeout))
		}
		return hostError("AbortError", fmt.Errorf("execution cancelled: %w", ctxErr))
	}

	var rej *rejection
	var exc *goja.Exception
	var interrupted *goja.InterruptedError
	var syntax *goja.CompilerSyntaxError
	switch {
	case errors.As(err, &rej):
		return e.codec.errorReply(rej.value)
	case errors.As(err, &interrupted):
		return hostError("InterruptedError", err)
	case errors.As(err, &syntax):
		return hostError("SyntaxError", err)
	case errors.As(err, &exc):
		return e.codec.errorReply(exc.Value())
	case errors.Is(err, errStalled):
		return hostError("Error", fmt.Errorf("entry point never settled: %w", err))
	default:
		return hostError("Error", err)
	}
}

// post delivers m unless the executor was closed.
func (e *Executor) post(m *Message) {
	select {
	case e.out <- m:
	case <-e.stop:
	}
}

func (e *Executor) uncaught(err *ExecutionError) {
	if e.cfg.OnUncaught == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Uncaught handler panicked", zap.Any("panic", r))
		}
	}()
	e.cfg.OnUncaught(err)
}

// rejection carries the reason of a rejected promise.
type rejection struct {
	value goja.Value
}

func (r *rejection) Error() string {
	if r.value == nil {
		return "promise rejected"
	}
	return r.value.String()
}

func isThenable(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	_, callable := goja.AssertFunction(obj.Get("then"))
	return callable
}
