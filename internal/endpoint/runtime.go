package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// ScriptError is an exception raised by code run in the host runtime.
type ScriptError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ScriptError) Error() string {
	return e.Name + ": " + e.Message
}

// hostRuntime is the endpoint's persistent global scope. Eval and SetCommand
// code share it, so globals defined by one call are visible to the next.
// Calls are serialised and have no event loop: a returned promise must be
// settled by the time the call returns.
type hostRuntime struct {
	mu        sync.Mutex
	vm        *goja.Runtime
	stringify goja.Callable
	parse     goja.Callable
	drain     *goja.Program
	commands  map[string]goja.Callable
	log       *zap.Logger
}

func newHostRuntime(log *zap.Logger) *hostRuntime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	j := vm.Get("JSON").ToObject(vm)
	stringify, _ := goja.AssertFunction(j.Get("stringify"))
	parse, _ := goja.AssertFunction(j.Get("parse"))

	h := &hostRuntime{
		vm:        vm,
		stringify: stringify,
		parse:     parse,
		drain:     goja.MustCompile("drain", "", false),
		commands:  make(map[string]goja.Callable),
		log:       log,
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			msg := strings.Join(parts, " ")
			if level == "error" || level == "warn" {
				h.log.Warn("Host console", zap.String("level", level), zap.String("message", msg))
			} else {
				h.log.Debug("Host console", zap.String("level", level), zap.String("message", msg))
			}
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)
	_ = vm.Set("self", vm.GlobalObject())

	return h
}

// eval runs code in the global scope and returns its completion value as JSON.
func (h *hostRuntime) eval(ctx context.Context, code string) (json.RawMessage, error) {
	return h.run(ctx, func() (goja.Value, error) {
		return h.vm.RunString(code)
	})
}

// define evaluates code, which must produce a function, and registers it.
func (h *hostRuntime) define(ctx context.Context, name, code string) error {
	_, err := h.run(ctx, func() (goja.Value, error) {
		v, err := h.vm.RunString("(" + code + "\n)")
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return nil, &ScriptError{Name: "TypeError", Message: fmt.Sprintf("command %q is not a function", name)}
		}
		h.commands[name] = fn
		return goja.Undefined(), nil
	})
	return err
}

func (h *hostRuntime) forget(name string) {
	h.mu.Lock()
	delete(h.commands, name)
	h.mu.Unlock()
}

// call invokes a registered command. An args array is spread into
// positional arguments; any other value is passed as the only argument.
func (h *hostRuntime) call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return h.run(ctx, func() (goja.Value, error) {
		fn, ok := h.commands[name]
		if !ok {
			return nil, &ScriptError{Name: "ReferenceError", Message: fmt.Sprintf("command %q is not registered", name)}
		}
		argv, err := h.arguments(args)
		if err != nil {
			return nil, err
		}
		return fn(goja.Undefined(), argv...)
	})
}

func (h *hostRuntime) arguments(raw json.RawMessage) ([]goja.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := h.parse(goja.Undefined(), h.vm.ToValue(string(raw)))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return []goja.Value{v}, nil
	}
	n := int(obj.Get("length").ToInteger())
	argv := make([]goja.Value, n)
	for i := range argv {
		argv[i] = obj.Get(strconv.Itoa(i))
	}
	return argv, nil
}

func (h *hostRuntime) run(ctx context.Context, fn func() (goja.Value, error)) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	done := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			h.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-watcher
		h.vm.ClearInterrupt()
	}()

	v, err := fn()
	if err == nil {
		_, err = h.vm.RunProgram(h.drain)
	}
	if err != nil {
		return nil, h.scriptError(err)
	}

	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			v = p.Result()
		case goja.PromiseStateRejected:
			return nil, h.thrown(p.Result())
		default:
			return nil, &ScriptError{Name: "Error", Message: "the host runtime has no event loop and the returned promise is still pending"}
		}
	}

	if goja.IsUndefined(v) {
		return nil, nil
	}
	out, err := h.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, h.scriptError(err)
	}
	if goja.IsUndefined(out) {
		return nil, nil
	}
	return json.RawMessage(out.String()), nil
}

func (h *hostRuntime) scriptError(err error) error {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		name := "AbortError"
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, context.DeadlineExceeded) {
			name = "TimeoutError"
		}
		return &ScriptError{Name: name, Message: "host script was interrupted"}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptError{Name: "SyntaxError", Message: syntax.Error()}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		se := h.thrown(ex.Value()).(*ScriptError)
		if se.Stack == "" {
			se.Stack = ex.String()
		}
		return se
	}
	return &ScriptError{Name: "Error", Message: err.Error()}
}

func (h *hostRuntime) thrown(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return &ScriptError{Name: "Error", Message: v.String()}
	}
	se := &ScriptError{Name: "Error", Message: obj.String()}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		se.Name = name.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		se.Message = msg.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		se.Stack = stack.String()
	}
	return se
}
