package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
)

// ExecutionError is returned by Run when the executor posted an error reply.
type ExecutionError struct {
	Reply *Message
}

func (e *ExecutionError) Error() string {
	if name := e.Reply.Field("name"); name != "" {
		return fmt.Sprintf("%s: %s", name, e.Reply.Message)
	}
	return e.Reply.Message
}

// safeStringify serialises with JSON.stringify, replacing repeated object
// references and expanding Error objects whose fields are not enumerable.
const safeStringifySrc = `(function (value) {
	var seen = [];
	return JSON.stringify(value, function (key, v) {
		if (typeof v === 'bigint') return v.toString();
		if (typeof v !== 'object' || v === null) return v;
		if (seen.indexOf(v) !== -1) return '[Circular]';
		seen.push(v);
		if (v instanceof Error) {
			var plain = { name: v.name, message: v.message, stack: v.stack };
			Object.keys(v).forEach(function (k) { plain[k] = v[k]; });
			return plain;
		}
		return v;
	});
})`

const typeTagSrc = `(function (v) { return Object.prototype.toString.call(v); })`

// codec holds the VM helpers used to move values out of the sandbox.
type codec struct {
	vm        *goja.Runtime
	stringify goja.Callable
	plainJSON goja.Callable
	jsonParse goja.Callable
	typeTag   goja.Callable
}

func newCodec(vm *goja.Runtime) (*codec, error) {
	c := &codec{vm: vm}
	var err error
	if c.stringify, err = compileFunc(vm, safeStringifySrc); err != nil {
		return nil, err
	}
	if c.typeTag, err = compileFunc(vm, typeTagSrc); err != nil {
		return nil, err
	}
	jsonObj := vm.Get("JSON").ToObject(vm)
	fn, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, errors.New("sandbox: JSON.stringify is not callable")
	}
	c.plainJSON = func(this goja.Value, args ...goja.Value) (goja.Value, error) {
		return fn(jsonObj, args...)
	}
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, errors.New("sandbox: JSON.parse is not callable")
	}
	c.jsonParse = func(this goja.Value, args ...goja.Value) (goja.Value, error) {
		return parse(jsonObj, args...)
	}
	return c, nil
}

func compileFunc(vm *goja.Runtime, src string) (goja.Callable, error) {
	v, err := vm.RunString(src)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("sandbox: helper is not a function")
	}
	return fn, nil
}

// marshal serialises v with the VM's own JSON, so functions and undefined
// are dropped the way the structured clone of a plain snapshot would.
// Values JSON cannot represent become null.
func (c *codec) marshal(v goja.Value) (json.RawMessage, error) {
	out, err := c.plainJSON(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if out == nil || goja.IsUndefined(out) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out.String()), nil
}

func (c *codec) parse(text string) (goja.Value, error) {
	return c.jsonParse(goja.Undefined(), c.vm.ToValue(text))
}

// text returns a text form of v that never fails.
func (c *codec) text(v goja.Value) string {
	out, err := c.stringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

// field converts one error field into transportable JSON.
func (c *codec) field(v goja.Value) json.RawMessage {
	out, err := c.stringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		raw, _ := sonic.Marshal(v.String())
		return raw
	}
	return json.RawMessage(out.String())
}

func (c *codec) tag(v goja.Value) string {
	out, err := c.typeTag(goja.Undefined(), v)
	if err != nil {
		return "[object Error]"
	}
	return out.String()
}

// errorReply builds an error message from a thrown value. The thrown value's
// own enumerable fields are copied, then name, message and stack explicitly,
// and a nested originalError is reduced to text.
func (c *codec) errorReply(thrown goja.Value) *Message {
	if thrown == nil {
		thrown = goja.Undefined()
	}
	msg := &Message{
		Outcome:   OutcomeError,
		ErrorType: c.tag(thrown),
		Fields:    map[string]json.RawMessage{"context": quote("worker")},
	}

	obj, isObj := thrown.(*goja.Object)
	if !isObj {
		msg.Message = thrown.String()
		return msg
	}

	for _, key := range obj.Keys() {
		if key == "originalError" {
			continue
		}
		msg.Fields[key] = c.field(obj.Get(key))
	}
	for _, key := range []string{"name", "stack"} {
		if v := obj.Get(key); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			msg.Fields[key] = quote(v.String())
		}
	}
	if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
		msg.Message = v.String()
	} else {
		msg.Message = thrown.String()
	}
	if orig := obj.Get("originalError"); orig != nil && !goja.IsUndefined(orig) {
		msg.Fields["originalError"] = quote(c.text(orig))
	}
	return msg
}

// hostError builds an error message for failures raised on the Go side,
// such as an interrupted VM or a stalled loader.
func hostError(name string, err error) *Message {
	return &Message{
		Outcome:   OutcomeError,
		Message:   err.Error(),
		ErrorType: "[object Error]",
		Fields: map[string]json.RawMessage{
			"name":    quote(name),
			"context": quote("worker"),
		},
	}
}

func quote(s string) json.RawMessage {
	raw, _ := sonic.Marshal(s)
	return raw
}
