package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

type moduleState int

const (
	moduleRegistered moduleState = iota
	moduleResolving
	moduleDefined
	moduleFailed
)

type amdModule struct {
	id      string
	deps    []string
	factory goja.Value
	state   moduleState
	module  *goja.Object // the `module` special dependency
	exports goja.Value
	err     goja.Value
}

// loader is a minimal AMD loader: named define, async requirejs, the
// require/exports/module special dependencies and config.
type loader struct {
	vm      *goja.Runtime
	loop    *loop
	modules map[string]*amdModule
	config  map[string]interface{}
	onError func(goja.Value)
}

func newLoader(vm *goja.Runtime, lp *loop, onError func(goja.Value)) *loader {
	return &loader{
		vm:      vm,
		loop:    lp,
		modules: make(map[string]*amdModule),
		config:  make(map[string]interface{}),
		onError: onError,
	}
}

// install defines define, requirejs and require on the global object.
func (l *loader) install() {
	define := l.vm.ToValue(l.define).(*goja.Object)
	amd := l.vm.NewObject()
	_ = amd.Set("jQuery", true)
	_ = define.Set("amd", amd)

	req := l.vm.ToValue(l.require).(*goja.Object)
	_ = req.Set("config", l.setConfig)
	_ = req.Set("defined", func(id string) bool {
		m, ok := l.modules[id]
		return ok && m.state == moduleDefined
	})
	_ = req.Set("specified", func(id string) bool {
		_, ok := l.modules[id]
		return ok
	})
	_ = req.Set("undef", func(id string) {
		delete(l.modules, id)
	})

	g := l.vm.GlobalObject()
	_ = g.Set("define", define)
	_ = g.Set("requirejs", req)
	_ = g.Set("require", req)
}

func (l *loader) define(call goja.FunctionCall) goja.Value {
	args := call.Arguments
	if len(args) == 0 {
		panic(l.vm.NewTypeError("define: missing module factory"))
	}
	if _, named := args[0].Export().(string); !named {
		panic(l.vm.NewTypeError("define: anonymous modules are not supported, every definition must be named"))
	}
	id := args[0].String()
	m := &amdModule{id: id}

	switch len(args) {
	case 1:
		panic(l.vm.NewTypeError(fmt.Sprintf("define(%q): missing module factory", id)))
	case 2:
		m.factory = args[1]
		if _, ok := goja.AssertFunction(args[1]); ok {
			m.deps = []string{"require", "exports", "module"}
		}
	default:
		deps, err := l.stringList(args[1])
		if err != nil {
			panic(l.vm.NewTypeError(fmt.Sprintf("define(%q): %v", id, err)))
		}
		m.deps = deps
		m.factory = args[2]
	}

	// First definition wins.
	if _, exists := l.modules[id]; !exists {
		l.modules[id] = m
	}
	return goja.Undefined()
}

func (l *loader) require(call goja.FunctionCall) goja.Value {
	first := call.Argument(0)
	if id, ok := first.Export().(string); ok {
		m, defined := l.modules[id]
		if !defined || m.state != moduleDefined {
			panic(l.loadError(id, "notloaded",
				fmt.Sprintf("Module name %q has not been loaded yet for context: _. Use require([])", id)))
		}
		return m.exports
	}

	deps, err := l.stringList(first)
	if err != nil {
		panic(l.vm.NewTypeError(fmt.Sprintf("require: %v", err)))
	}
	onLoad, _ := goja.AssertFunction(call.Argument(1))
	onError, _ := goja.AssertFunction(call.Argument(2))

	l.loop.schedule(func() {
		values := make([]goja.Value, 0, len(deps))
		for _, dep := range deps {
			v, rerr := l.resolve(dep, nil)
			if rerr != nil {
				l.fail(onError, rerr)
				return
			}
			values = append(values, v)
		}
		if onLoad == nil {
			return
		}
		if _, cerr := onLoad(goja.Undefined(), values...); cerr != nil {
			l.fail(onError, thrownValue(l.vm, cerr))
		}
	})
	return goja.Undefined()
}

func (l *loader) fail(onError goja.Callable, reason goja.Value) {
	if onError != nil {
		_, err := onError(goja.Undefined(), reason)
		if err == nil {
			return
		}
		reason = thrownValue(l.vm, err)
	}
	if l.onError != nil {
		l.onError(reason)
	}
}

func (l *loader) setConfig(call goja.FunctionCall) goja.Value {
	cfg, ok := call.Argument(0).Export().(map[string]interface{})
	if !ok {
		return goja.Undefined()
	}
	for k, v := range cfg {
		l.config[k] = v
	}
	return goja.Undefined()
}

// resolve returns the exports of id, instantiating it and its dependencies.
// A dependency that is still resolving is a cycle; it yields its current
// exports object as AMD loaders do.
func (l *loader) resolve(id string, parent *amdModule) (goja.Value, goja.Value) {
	switch id {
	case "require":
		return l.vm.Get("require"), nil
	case "exports":
		if parent != nil {
			return parent.module.Get("exports"), nil
		}
		return goja.Undefined(), nil
	case "module":
		if parent != nil {
			return parent.module, nil
		}
		return goja.Undefined(), nil
	}

	m, ok := l.modules[id]
	if !ok {
		return nil, l.loadError(id, "notloaded", fmt.Sprintf("Script error for %q: module is not defined", id))
	}

	switch m.state {
	case moduleDefined:
		return m.exports, nil
	case moduleFailed:
		return nil, m.err
	case moduleResolving:
		return m.module.Get("exports"), nil
	}

	m.state = moduleResolving
	m.module = l.vm.NewObject()
	_ = m.module.Set("id", id)
	_ = m.module.Set("exports", l.vm.NewObject())
	_ = m.module.Set("config", func() interface{} {
		if c, ok := l.config["config"].(map[string]interface{}); ok {
			return c[id]
		}
		return nil
	})

	values := make([]goja.Value, 0, len(m.deps))
	for _, dep := range m.deps {
		v, err := l.resolve(dep, m)
		if err != nil {
			m.state, m.err = moduleFailed, err
			return nil, err
		}
		values = append(values, v)
	}

	fn, isFn := goja.AssertFunction(m.factory)
	if !isFn {
		m.exports = m.factory
		m.state = moduleDefined
		return m.exports, nil
	}

	ret, err := fn(m.module.Get("exports"), values...)
	if err != nil {
		m.state, m.err = moduleFailed, thrownValue(l.vm, err)
		return nil, m.err
	}
	if ret == nil || goja.IsUndefined(ret) {
		ret = m.module.Get("exports")
	}
	m.exports = ret
	m.state = moduleDefined
	return ret, nil
}

func (l *loader) loadError(id, kind, msg string) goja.Value {
	e, err := l.vm.New(l.vm.Get("Error"), l.vm.ToValue(msg))
	if err != nil {
		e = l.vm.NewGoError(errors.New(msg))
	}
	_ = e.Set("requireType", kind)
	_ = e.Set("requireModules", l.vm.NewArray(id))
	return e
}

func (l *loader) stringList(v goja.Value) ([]string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	raw, ok := v.Export().([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an array of module ids, got %s", v.String())
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("invalid module id %v", item)
		}
		out = append(out, s)
	}
	return out, nil
}

// thrownValue extracts the JS value behind a goja error.
func thrownValue(vm *goja.Runtime, err error) goja.Value {
	if exc, ok := err.(*goja.Exception); ok {
		return exc.Value()
	}
	return vm.NewGoError(err)
}
