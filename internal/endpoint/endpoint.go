package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/sandbox"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
	"github.com/GriffinCanCode/SPLookout/internal/shared/id"
)

// workerEntryID is the module id a worker command is wrapped in.
const workerEntryID = "command"

// Endpoint receives channel commands, executes them with its ambient
// credentials and replies on the same correlation ids. One Endpoint serves
// any number of connections; the host runtime and registered commands are
// shared between them.
type Endpoint struct {
	cfg     Config
	log     *zap.Logger
	metrics *monitoring.Metrics
	origins *Origins
	fetcher sandbox.Fetcher
	pool    *sandbox.Pool
	host    *hostRuntime

	mu      sync.RWMutex
	workers map[string]string
}

// New builds an endpoint. It fails on invalid origin patterns or fetch settings.
func New(cfg Config) (*Endpoint, error) {
	cfg = cfg.withDefaults()

	origins, err := NewOrigins(cfg.TrustedOrigins)
	if err != nil {
		return nil, err
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		f, err := NewHTTPFetcher(cfg.Fetch, cfg.Logger.Named("fetch"))
		if err != nil {
			return nil, err
		}
		fetcher = f
	}

	return &Endpoint{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		origins: origins,
		fetcher: fetcher,
		pool:    sandbox.NewPool(cfg.Sandbox, cfg.Workers),
		host:    newHostRuntime(cfg.Logger.Named("host")),
		workers: make(map[string]string),
	}, nil
}

// Origins returns the trusted origin matcher.
func (e *Endpoint) Origins() *Origins {
	return e.origins
}

// Pool returns the sandbox pool serving Run and worker commands.
func (e *Endpoint) Pool() *sandbox.Pool {
	return e.pool
}

// Close waits for running sandboxes and rejects new ones.
func (e *Endpoint) Close() error {
	return e.pool.Close()
}

// conn is the per-connection state of Serve.
type conn struct {
	id      string
	server  proxy.ServerConn
	log     *zap.Logger
	trusted bool
	origin  string
}

// Serve handles requests from sc until it closes or ctx is done. The first
// request must be a Ping from a trusted origin; every other command is
// refused until then. Requests run concurrently, each on its own goroutine.
func (e *Endpoint) Serve(ctx context.Context, sc proxy.ServerConn) error {
	ctx, cancel := context.WithCancel(ctx)

	c := &conn{id: id.NewConnectionID().String(), server: sc}
	c.log = e.log.With(zap.String("conn", c.id))
	e.metrics.IncWSConnections()
	defer e.metrics.DecWSConnections()

	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	// In-flight commands are cancelled before waiting on them.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	c.log.Debug("Serving proxy connection", zap.String("transport_origin", sc.Origin()))
	for {
		req, err := sc.Recv()
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				c.log.Debug("Proxy connection closed")
				return nil
			}
			c.log.Warn("Proxy connection failed", zap.Error(err))
			return err
		}
		e.metrics.RecordWSMessage("received", string(req.Command))
		e.metrics.RecordTransfer("received", len(req.Transfer))

		if req.Command == proxy.CommandPing {
			e.send(c, e.ping(c, req))
			continue
		}
		if !c.trusted {
			e.send(c, proxy.ErrorReply(req.ID, "Error", "the handshake has not completed", nil))
			continue
		}

		wg.Add(1)
		go func(req *proxy.Request, origin string) {
			defer wg.Done()
			if reply := e.handle(ctx, c, origin, req); reply != nil {
				e.send(c, reply)
			}
		}(req, c.origin)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, proxy.ErrConnClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (e *Endpoint) send(c *conn, reply *proxy.Reply) {
	if err := c.server.Send(reply); err != nil {
		c.log.Debug("Dropping reply", zap.String("id", reply.ID), zap.Error(err))
		return
	}
	e.metrics.RecordWSMessage("sent", string(reply.Outcome))
	e.metrics.RecordTransfer("sent", len(reply.Transfer))
}

// ping validates the caller's origin. An origin declared by the transport
// must be trusted as well as the one in the payload.
func (e *Endpoint) ping(c *conn, req *proxy.Request) *proxy.Reply {
	var p proxy.PingPayload
	if err := req.Decode(&p); err != nil {
		return proxy.ErrorReply(req.ID, "TypeError", err.Error(), nil)
	}

	candidates := []string{p.Origin}
	if declared := c.server.Origin(); declared != "" {
		candidates = append(candidates, declared)
	}
	for _, origin := range candidates {
		if !e.origins.Allowed(origin) {
			c.log.Warn("Rejected untrusted origin", zap.String("origin", origin))
			return proxy.ErrorReply(req.ID, string(fault.InvalidOrigin), RejectionMessage, map[string]string{
				"invalidOrigin": origin,
				"url":           e.cfg.URL,
			})
		}
	}

	c.trusted = true
	c.origin = p.Origin
	c.log.Info("Proxy handshake accepted", zap.String("origin", p.Origin))
	reply, err := proxy.SuccessReply(req.ID, map[string]string{"origin": p.Origin})
	if err != nil {
		return proxy.ErrorReply(req.ID, "Error", err.Error(), nil)
	}
	return reply
}

// handle runs one command. origin is captured when the request arrives since
// a later Ping may change the connection's.
func (e *Endpoint) handle(ctx context.Context, c *conn, origin string, req *proxy.Request) (reply *proxy.Reply) {
	log := c.log.With(
		zap.String("id", req.ID),
		zap.String("command", string(req.Command)),
		zap.String("origin", origin),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Command handler panicked", zap.Any("panic", r))
			reply = proxy.ErrorReply(req.ID, "Error", fmt.Sprint(r), nil)
		}
	}()

	var err error
	if tracer := e.cfg.Tracer; tracer != nil {
		var span *tracing.Span
		span, ctx = tracer.StartSpan(ctx, string(req.Command))
		span.SetTag("request_id", req.ID)
		span.SetTag("origin", origin)
		defer func() { tracer.Finish(span, err) }()
	}

	switch req.Command {
	case proxy.CommandFetch:
		reply, err = e.fetch(ctx, req)
	case proxy.CommandEval:
		reply, err = e.eval(ctx, req)
	case proxy.CommandSetCommand:
		reply, err = e.setCommand(ctx, req)
	case proxy.CommandSetWorkerCommand:
		reply, err = e.setWorkerCommand(req)
	case proxy.CommandInvoke:
		reply, err = e.invoke(ctx, c, req)
	case proxy.CommandRun:
		reply, err = e.run(ctx, c, req)
	default:
		err = &ScriptError{Name: "TypeError", Message: fmt.Sprintf("unknown command %q", req.Command)}
	}
	if err != nil {
		log.Debug("Command failed", zap.Error(err))
		return errorReply(req.ID, err)
	}
	return reply
}

func errorReply(id string, err error) *proxy.Reply {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		m := execErr.Reply
		return proxy.ErrorReply(id, m.ErrorType, m.Message, m.ErrorData())
	}
	var se *ScriptError
	if errors.As(err, &se) {
		return proxy.ErrorReply(id, se.Name, se.Message, se)
	}
	return proxy.ErrorReply(id, "Error", err.Error(), nil)
}

func (e *Endpoint) fetch(ctx context.Context, req *proxy.Request) (*proxy.Reply, error) {
	var p proxy.FetchPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, &ScriptError{Name: "TypeError", Message: "a fetch URL is required"}
	}

	body := []byte(p.Body)
	if req.TransferPath == proxy.FetchBodyPath {
		body = req.Transfer
	}

	resp, err := e.fetcher.Fetch(ctx, sandbox.FetchRequest{
		URL:         p.URL,
		Method:      p.Method,
		Headers:     p.Headers,
		Credentials: p.Credentials,
		Cache:       p.Cache,
		Body:        body,
	})
	if err != nil {
		return nil, &ScriptError{Name: "TypeError", Message: "Failed to fetch: " + err.Error()}
	}

	url := resp.URL
	if url == "" {
		url = p.URL
	}
	reply, err := proxy.SuccessReply(req.ID, proxy.FetchResult{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		OK:         resp.Status >= 200 && resp.Status < 300,
		URL:        url,
	})
	if err != nil {
		return nil, err
	}
	reply.Headers = resp.Headers
	reply.Transfer = resp.Body
	reply.TransferredBytes = len(resp.Body)
	return reply, nil
}

func (e *Endpoint) eval(ctx context.Context, req *proxy.Request) (*proxy.Reply, error) {
	var p proxy.EvalPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()

	data, err := e.host.eval(ctx, p.Code)
	if err != nil {
		return nil, err
	}
	return proxy.SuccessReply(req.ID, data)
}

func (e *Endpoint) setCommand(ctx context.Context, req *proxy.Request) (*proxy.Reply, error) {
	var p proxy.CommandPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.CommandName == "" {
		return nil, &ScriptError{Name: "TypeError", Message: "a command name is required"}
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()

	if err := e.host.define(ctx, p.CommandName, p.CommandCode); err != nil {
		return nil, err
	}
	e.mu.Lock()
	delete(e.workers, p.CommandName)
	e.mu.Unlock()

	e.log.Info("Registered host command", zap.String("name", p.CommandName))
	return proxy.SuccessReply(req.ID, nil)
}

func (e *Endpoint) setWorkerCommand(req *proxy.Request) (*proxy.Reply, error) {
	var p proxy.CommandPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.CommandName == "" {
		return nil, &ScriptError{Name: "TypeError", Message: "a command name is required"}
	}
	if _, err := goja.Compile(p.CommandName, "("+p.CommandCode+"\n)", false); err != nil {
		return nil, &ScriptError{Name: "SyntaxError", Message: err.Error()}
	}

	e.mu.Lock()
	e.workers[p.CommandName] = p.CommandCode
	e.mu.Unlock()
	e.host.forget(p.CommandName)

	e.log.Info("Registered worker command", zap.String("name", p.CommandName))
	return proxy.SuccessReply(req.ID, nil)
}

func (e *Endpoint) invoke(ctx context.Context, c *conn, req *proxy.Request) (*proxy.Reply, error) {
	var p proxy.InvokePayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}

	e.mu.RLock()
	code, worker := e.workers[p.CommandName]
	e.mu.RUnlock()

	if !worker {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
		defer cancel()
		data, err := e.host.call(ctx, p.CommandName, p.Args)
		if err != nil {
			return nil, err
		}
		return proxy.SuccessReply(req.ID, data)
	}

	args := string(p.Args)
	if args == "" {
		args = "[]"
	}
	msg := sandbox.StartMessage{
		ModuleDefinitions: []string{workerModule(code, args)},
		EntryPointID:      workerEntryID,
	}
	result, err := e.pool.Run(ctx, msg, e.progress(c, req.ID), sandbox.WithFetcher(e.fetcher))
	if err != nil {
		return nil, err
	}

	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := sonic.Unmarshal(result.Data, &out); err != nil {
		return nil, err
	}
	return proxy.SuccessReply(req.ID, out.Result)
}

// workerModule wraps command code as the entry module of a sandbox run.
func workerModule(code, args string) string {
	return fmt.Sprintf(`define(%q, [], function () {
	var args = %s;
	var command = (%s
	);
	return { result: command.apply(null, Array.isArray(args) ? args : [args]) };
});`, workerEntryID, args, code)
}

func (e *Endpoint) run(ctx context.Context, c *conn, req *proxy.Request) (*proxy.Reply, error) {
	var msg sandbox.StartMessage
	if err := req.Decode(&msg); err != nil {
		return nil, err
	}
	msg.TransferPath = req.TransferPath

	result, err := e.pool.Run(ctx, msg, e.progress(c, req.ID), sandbox.WithFetcher(e.fetcher))
	if err != nil {
		return nil, err
	}

	reply, err := proxy.SuccessReply(req.ID, result.Data)
	if err != nil {
		return nil, err
	}
	reply.Transfer = result.Transfer
	reply.TransferredBytes = len(result.Transfer)
	return reply, nil
}

func (e *Endpoint) progress(c *conn, id string) func(*sandbox.Message) {
	return func(m *sandbox.Message) {
		reply, err := proxy.ProgressReply(id, m.Data)
		if err != nil {
			c.log.Debug("Dropping progress", zap.String("id", id), zap.Error(err))
			return
		}
		e.send(c, reply)
	}
}
