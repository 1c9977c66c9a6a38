package sandbox

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// requestPatchSrc wraps the native Request so empty input defaults to the
// sandbox origin.
const requestPatchSrc = `(function (global, origin) {
	var NativeRequest = global.Request;
	function Request(input, init) {
		if (input === undefined || input === null || input === '') {
			input = origin;
		}
		return new NativeRequest(input, init);
	}
	Request.prototype = NativeRequest.prototype;
	global.Request = Request;
})`

func (e *Executor) installGlobals() error {
	vm := e.vm
	g := vm.GlobalObject()

	_ = g.Set("self", g)
	_ = g.Set("process", goja.Undefined())

	location := vm.NewObject()
	_ = location.Set("origin", e.cfg.Origin)
	_ = location.Set("href", e.cfg.Origin+"/")
	_ = g.Set("location", location)

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, e.consoleFunc(level))
	}
	_ = g.Set("console", console)

	_ = g.Set("setTimeout", e.setTimeout)
	_ = g.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		e.loop.clearTimeout(call.Argument(0).ToInteger())
		return goja.Undefined()
	})
	_ = g.Set("progress", e.progress)
	_ = g.Set("fetch", e.fetch)

	_ = g.Set("Request", e.newRequest)
	patch, err := compileFunc(vm, requestPatchSrc)
	if err != nil {
		return fmt.Errorf("compile request patch: %w", err)
	}
	if _, err := patch(goja.Undefined(), g, vm.ToValue(e.cfg.Origin)); err != nil {
		return fmt.Errorf("patch request: %w", err)
	}

	e.loader.install()
	return nil
}

func (e *Executor) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			if obj, ok := arg.(*goja.Object); ok && obj.ClassName() != "Function" {
				parts[i] = e.codec.text(arg)
				continue
			}
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		if !e.cfg.EnableConsole {
			return goja.Undefined()
		}
		e.mu.Lock()
		e.console = append(e.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
		e.mu.Unlock()

		fields := []zap.Field{zap.String("level", level)}
		switch level {
		case "error":
			e.log.Warn(msg, fields...)
		default:
			e.log.Debug(msg, fields...)
		}
		return goja.Undefined()
	}
}

func (e *Executor) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(e.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	timerID := e.loop.setTimeout(delay, func() {
		if _, err := fn(goja.Undefined(), args...); err != nil {
			e.reportAsync(err)
		}
	})
	return e.vm.ToValue(timerID)
}

func (e *Executor) progress(call goja.FunctionCall) goja.Value {
	data, err := e.codec.marshal(call.Argument(0))
	if err != nil {
		panic(e.vm.NewTypeError("progress: value is not serialisable: " + err.Error()))
	}
	e.post(&Message{Outcome: OutcomeProgress, Data: data})
	return goja.Undefined()
}

func (e *Executor) newRequest(call goja.ConstructorCall) *goja.Object {
	input := call.Argument(0)
	raw := ""
	method := "GET"
	var headers goja.Value = e.vm.NewObject()
	var body goja.Value = goja.Null()
	credentials, cache := "same-origin", "default"

	if obj, ok := input.(*goja.Object); ok && isSet(obj.Get("url")) {
		raw = obj.Get("url").String()
		if m := obj.Get("method"); isSet(m) {
			method = m.String()
		}
		if h := obj.Get("headers"); isSet(h) {
			headers = h
		}
		if b := obj.Get("body"); isSet(b) {
			body = b
		}
		if c := obj.Get("credentials"); isSet(c) {
			credentials = c.String()
		}
		if c := obj.Get("cache"); isSet(c) {
			cache = c.String()
		}
	} else if isSet(input) {
		raw = input.String()
	}
	if raw == "" {
		panic(e.vm.NewTypeError("Failed to construct 'Request': Invalid URL"))
	}
	resolved, err := resolveURL(e.cfg.Origin, raw)
	if err != nil {
		panic(e.vm.NewTypeError("Failed to construct 'Request': " + err.Error()))
	}

	if init, ok := call.Argument(1).(*goja.Object); ok {
		if m := init.Get("method"); isSet(m) {
			method = m.String()
		}
		if h := init.Get("headers"); isSet(h) {
			headers = h
		}
		if b := init.Get("body"); isSet(b) {
			body = b
		}
		if c := init.Get("credentials"); isSet(c) {
			credentials = c.String()
		}
		if c := init.Get("cache"); isSet(c) {
			cache = c.String()
		}
	}

	this := call.This
	_ = this.Set("url", resolved)
	_ = this.Set("method", strings.ToUpper(method))
	_ = this.Set("headers", headers)
	_ = this.Set("body", body)
	_ = this.Set("credentials", credentials)
	_ = this.Set("cache", cache)
	return this
}

func (e *Executor) fetch(call goja.FunctionCall) goja.Value {
	promise, resolve, reject := e.vm.NewPromise()
	result := e.vm.ToValue(promise)

	if e.cfg.Fetcher == nil {
		_ = reject(e.vm.NewTypeError("fetch is not available in this sandbox"))
		return result
	}

	req, err := e.fetchRequest(call.Argument(0), call.Argument(1))
	if err != nil {
		_ = reject(e.vm.NewTypeError(err.Error()))
		return result
	}

	release := e.loop.hold()
	ctx := e.ctx
	go func() {
		resp, ferr := e.cfg.Fetcher.Fetch(ctx, req)
		release(func() {
			if ferr != nil {
				_ = reject(e.vm.NewTypeError("Failed to fetch: " + ferr.Error()))
			} else {
				_ = resolve(e.response(req.URL, resp))
			}
			if err := e.loop.flush(); err != nil {
				e.reportAsync(err)
			}
		})
	}()
	return result
}

func (e *Executor) fetchRequest(input, init goja.Value) (FetchRequest, error) {
	ctor := e.vm.Get("Request")
	args := []goja.Value{input}
	if isSet(init) {
		args = append(args, init)
	}
	obj, err := e.vm.New(ctor, args...)
	if err != nil {
		return FetchRequest{}, fmt.Errorf("fetch: %s", thrownValue(e.vm, err).String())
	}

	req := FetchRequest{
		URL:         obj.Get("url").String(),
		Method:      obj.Get("method").String(),
		Headers:     make(map[string]string),
		Credentials: obj.Get("credentials").String(),
		Cache:       obj.Get("cache").String(),
	}
	if h, ok := obj.Get("headers").Export().(map[string]interface{}); ok {
		for k, v := range h {
			req.Headers[k] = fmt.Sprint(v)
		}
	}
	if b := obj.Get("body"); isSet(b) {
		req.Body = toBytes(b)
	}
	return req, nil
}

func (e *Executor) response(requestURL string, resp *FetchResponse) *goja.Object {
	vm := e.vm
	obj := vm.NewObject()
	if resp.URL != "" {
		requestURL = resp.URL
	}
	_ = obj.Set("url", requestURL)
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("ok", resp.Status >= 200 && resp.Status < 300)

	headers := vm.NewObject()
	lower := make(map[string]string, len(resp.Headers))
	for k, v := range resp.Headers {
		lower[strings.ToLower(k)] = v
		_ = headers.Set(strings.ToLower(k), v)
	}
	_ = headers.Set("get", func(name string) goja.Value {
		if v, ok := lower[strings.ToLower(name)]; ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = obj.Set("headers", headers)

	body := resp.Body
	settled := func(fn func() (goja.Value, error)) goja.Value {
		p, res, rej := vm.NewPromise()
		v, err := fn()
		if err != nil {
			_ = rej(thrownValue(vm, err))
		} else {
			_ = res(v)
		}
		return vm.ToValue(p)
	}
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return settled(func() (goja.Value, error) { return vm.ToValue(string(body)), nil })
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		return settled(func() (goja.Value, error) { return e.codec.parse(string(body)) })
	})
	_ = obj.Set("arrayBuffer", func(goja.FunctionCall) goja.Value {
		return settled(func() (goja.Value, error) { return vm.ToValue(vm.NewArrayBuffer(body)), nil })
	})
	return obj
}

// reportAsync feeds errors raised outside the main evaluation, such as a
// throwing timer callback, to the top-level failure handler.
func (e *Executor) reportAsync(err error) {
	if _, interrupted := err.(*goja.InterruptedError); interrupted {
		e.report(hostError("InterruptedError", err))
		return
	}
	e.reportValue(thrownValue(e.vm, err))
}

func (e *Executor) reportValue(reason goja.Value) {
	e.report(e.codec.errorReply(reason))
}

func (e *Executor) report(reply *Message) {
	e.log.Warn("Uncaught error in sandbox", zap.String("message", reply.Message))
	e.uncaught(&ExecutionError{Reply: reply})
}

func resolveURL(origin, raw string) (string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func toBytes(v goja.Value) []byte {
	switch b := v.Export().(type) {
	case []byte:
		return b
	case goja.ArrayBuffer:
		return b.Bytes()
	case string:
		return []byte(b)
	default:
		return []byte(v.String())
	}
}

func isSet(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}
