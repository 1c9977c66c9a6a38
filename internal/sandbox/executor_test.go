package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.Origin = "https://contoso.example"
	return cfg
}

func run(t *testing.T, cfg Config, msg StartMessage) (*Message, error) {
	t.Helper()
	return New(cfg).Run(context.Background(), msg, nil)
}

func start(entry string, defs ...string) StartMessage {
	return StartMessage{ModuleDefinitions: defs, EntryPointID: entry}
}

func TestRunResolvesMixedExports(t *testing.T) {
	reply, err := run(t, testConfig(), start("m",
		`define('m', [], () => ({a: Promise.resolve(1), b: 2}))`))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, reply.Outcome)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(reply.Data))
}

func TestRunAwaitsTimers(t *testing.T) {
	reply, err := run(t, testConfig(), start("m", `
		define('m', [], function () {
			return {
				late: new Promise(function (resolve) {
					setTimeout(function () { resolve('done'); }, 10);
				}),
				chained: Promise.resolve(1).then(function (v) { return v + 1; })
			};
		})`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"late":"done","chained":2}`, string(reply.Data))
}

func TestRunDependencies(t *testing.T) {
	reply, err := run(t, testConfig(), start("main",
		`define('dep', [], function () { return { x: 1 }; })`,
		`define('main', ['dep', 'exports'], function (dep, exports) { exports.y = dep.x + 1; })`,
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"y":2}`, string(reply.Data))
}

func TestRunCircularDependency(t *testing.T) {
	reply, err := run(t, testConfig(), start("a",
		`define('a', ['b', 'exports'], function (b, exports) {
			exports.name = 'a';
			exports.other = function () { return b.name; };
		})`,
		`define('b', ['a', 'exports'], function (a, exports) { exports.name = 'b'; })`,
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(reply.Data))
}

func TestRunNonObjectExport(t *testing.T) {
	reply, err := run(t, testConfig(), start("m", `define('m', [], function () { return 'plain'; })`))
	require.NoError(t, err)
	assert.JSONEq(t, `"plain"`, string(reply.Data))
}

func TestRunMissingModule(t *testing.T) {
	reply, err := run(t, testConfig(), start("missing"))
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, OutcomeError, reply.Outcome)
	assert.Contains(t, reply.Message, "missing")
	assert.JSONEq(t, `["missing"]`, string(reply.Fields["requireModules"]))
	assert.Equal(t, "worker", reply.Field("context"))
}

func TestRunErrorReplyFields(t *testing.T) {
	var uncaught atomic.Int32
	cfg := testConfig()
	cfg.OnUncaught = func(error) { uncaught.Add(1) }

	reply, err := run(t, cfg, start("m", `
		define('m', [], function () {
			var e = new Error('boom');
			e.code = 42;
			var original = { kind: 'event' };
			original.self = original;
			e.originalError = original;
			throw e;
		})`))
	require.Error(t, err)

	assert.Equal(t, "boom", reply.Message)
	assert.Equal(t, "[object Error]", reply.ErrorType)
	assert.Equal(t, "Error", reply.Field("name"))
	assert.JSONEq(t, `42`, string(reply.Fields["code"]))

	original := reply.Field("originalError")
	assert.Contains(t, original, `"kind":"event"`)
	assert.Contains(t, original, "[Circular]")

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(reply.ErrorData(), &data))
	assert.IsType(t, "", data["originalError"])

	assert.Equal(t, int32(1), uncaught.Load())
	assert.Equal(t, "Error: boom", err.Error())
}

func TestRunThrownPrimitive(t *testing.T) {
	reply, err := run(t, testConfig(), start("m", `define('m', [], function () { throw 'plain failure'; })`))
	require.Error(t, err)
	assert.Equal(t, "plain failure", reply.Message)
	assert.Equal(t, "[object String]", reply.ErrorType)
}

func TestRunRejectedExport(t *testing.T) {
	reply, err := run(t, testConfig(), start("m", `
		define('m', [], function () {
			return { ok: 1, bad: Promise.reject(new TypeError('nope')) };
		})`))
	require.Error(t, err)
	assert.Equal(t, "nope", reply.Message)
	assert.Equal(t, "TypeError", reply.Field("name"))
}

func TestRunProgress(t *testing.T) {
	var steps []string
	reply, err := New(testConfig()).Run(context.Background(), start("m", `
		define('m', [], function () {
			progress({ step: 1 });
			progress({ step: 2 });
			return { done: true };
		})`), func(m *Message) {
		assert.Equal(t, OutcomeProgress, m.Outcome)
		steps = append(steps, string(m.Data))
	})
	require.NoError(t, err)

	require.Len(t, steps, 2)
	assert.JSONEq(t, `{"step":1}`, steps[0])
	assert.JSONEq(t, `{"step":2}`, steps[1])
	assert.JSONEq(t, `{"done":true}`, string(reply.Data))
}

func TestRunTimeoutInterruptsVM(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond

	began := time.Now()
	reply, err := run(t, cfg, start("m", `define('m', [], function () { while (true) {} })`))
	require.Error(t, err)

	assert.Equal(t, "TimeoutError", reply.Field("name"))
	assert.Less(t, time.Since(began), 3*time.Second)
}

func TestRunStalledEntry(t *testing.T) {
	reply, err := run(t, testConfig(), start("m",
		`define('m', [], function () { return { v: new Promise(function () {}) }; })`))
	require.Error(t, err)
	assert.Contains(t, reply.Message, "never settled")
}

func TestRunTransferPath(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		msg := start("m", `define('m', [], function () { return { name: 'file', content: 'hello bytes' }; })`)
		msg.TransferPath = "content"

		reply, err := run(t, testConfig(), msg)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello bytes"), reply.Transfer)
		assert.JSONEq(t, `{"name":"file"}`, string(reply.Data))
	})

	t.Run("array buffer", func(t *testing.T) {
		msg := start("m", `define('m', [], function () { return { buf: new Uint8Array([104, 105]).buffer }; })`)
		msg.TransferPath = "buf"

		reply, err := run(t, testConfig(), msg)
		require.NoError(t, err)
		assert.Equal(t, []byte("hi"), reply.Transfer)
	})

	t.Run("missing field", func(t *testing.T) {
		msg := start("m", `define('m', [], function () { return {}; })`)
		msg.TransferPath = "nope"

		_, err := run(t, testConfig(), msg)
		require.Error(t, err)
	})
}

func TestRequestDefaultsToOrigin(t *testing.T) {
	reply, err := run(t, testConfig(), start("m", `
		define('m', [], function () {
			var empty = new Request();
			var relative = new Request('/api/items', { method: 'post' });
			return { empty: empty.url, relative: relative.url, method: relative.method };
		})`))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"empty": "https://contoso.example",
		"relative": "https://contoso.example/api/items",
		"method": "POST"
	}`, string(reply.Data))
}

func TestRunFetch(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []FetchRequest
	)
	cfg := testConfig()
	cfg.Fetcher = FetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return &FetchResponse{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    []byte(`{"value":7}`),
		}, nil
	})

	reply, err := run(t, cfg, start("m", `
		define('m', [], function () {
			return {
				v: fetch('/api/thing').then(function (r) { return r.json(); }).then(function (j) { return j.value; }),
				type: fetch('/api/thing').then(function (r) { return r.headers.get('content-type'); })
			};
		})`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":7,"type":"application/json"}`, string(reply.Data))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "https://contoso.example/api/thing", seen[0].URL)
	assert.Equal(t, "GET", seen[0].Method)
	assert.Equal(t, "same-origin", seen[0].Credentials)
}

func TestRunFetchUnavailable(t *testing.T) {
	reply, err := run(t, testConfig(), start("m",
		`define('m', [], function () { return { v: fetch('/x') }; })`))
	require.Error(t, err)
	assert.Equal(t, "TypeError", reply.Field("name"))
	assert.Contains(t, reply.Message, "fetch is not available")
}

func TestRunBootstrapAndConfig(t *testing.T) {
	msg := start("m", `define('m', [], function () { return { base: configured.baseUrl }; })`)
	msg.ModuleBootstrap = `
		var configured = null;
		requirejs.config = function (c) { configured = c; };
	`
	msg.ModuleConfig = json.RawMessage(`{"baseUrl":"/lib"}`)

	reply, err := run(t, testConfig(), msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"base":"/lib"}`, string(reply.Data))
}

func TestRunBootstrapSyntaxError(t *testing.T) {
	msg := start("m")
	msg.ModuleBootstrap = `this is not javascript`

	reply, err := run(t, testConfig(), msg)
	require.Error(t, err)
	assert.Equal(t, "SyntaxError", reply.Field("name"))
}

func TestAsyncCallbackErrorsReachUncaughtHandler(t *testing.T) {
	var (
		mu       sync.Mutex
		messages []string
	)
	cfg := testConfig()
	cfg.OnUncaught = func(err error) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, err.Error())
	}

	reply, err := run(t, cfg, start("m", `
		define('m', [], function () {
			setTimeout(function () { throw new Error('late'); }, 0);
			return { v: new Promise(function (resolve) { setTimeout(function () { resolve(1); }, 20); }) };
		})`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(reply.Data))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Error: late"}, messages)
}

func TestUncaughtHandlerPanicIsContained(t *testing.T) {
	cfg := testConfig()
	cfg.OnUncaught = func(error) { panic("handler exploded") }

	reply, err := run(t, cfg, start("m", `define('m', [], function () { throw new Error('boom'); })`))
	require.Error(t, err)
	assert.Equal(t, "boom", reply.Message)
}

func TestClearTimeout(t *testing.T) {
	reply, err := run(t, testConfig(), start("m", `
		define('m', [], function () {
			var fired = false;
			var id = setTimeout(function () { fired = true; }, 5);
			clearTimeout(id);
			return { v: new Promise(function (resolve) {
				setTimeout(function () { resolve(fired); }, 30);
			}) };
		})`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":false}`, string(reply.Data))
}

func TestConsoleCapture(t *testing.T) {
	exec := New(testConfig())
	_, err := exec.Run(context.Background(), start("m", `
		define('m', [], function () {
			console.log('hello', { a: 1 });
			console.warn('careful');
			console.error('bad');
			return {};
		})`), nil)
	require.NoError(t, err)

	entries := exec.Console()
	require.Len(t, entries, 3)
	assert.Equal(t, "log", entries[0].Level)
	assert.Equal(t, `hello {"a":1}`, entries[0].Message)
	assert.Equal(t, "warn", entries[1].Level)
	assert.Equal(t, "error", entries[2].Level)
}

func TestStartTwice(t *testing.T) {
	exec := New(testConfig())
	defer exec.Close()

	require.NoError(t, exec.Start(context.Background(), start("m", `define('m', [], function () { return {}; })`)))
	assert.ErrorIs(t, exec.Start(context.Background(), start("m")), ErrAlreadyStarted)

	var last *Message
	for m := range exec.Messages() {
		last = m
	}
	require.NotNil(t, last)
	assert.Equal(t, OutcomeSuccess, last.Outcome)
}
