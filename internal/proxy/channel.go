package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/logging"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
	"github.com/GriffinCanCode/SPLookout/internal/shared/id"
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Channel.
type Config struct {
	// Origin identifies the caller to the endpoint during the handshake.
	Origin string
	// HandshakeTimeout bounds Initializing. Exceeding it moves the channel to Failed.
	HandshakeTimeout time.Duration
	// DefaultTimeout applies to invocations without WithTimeout.
	DefaultTimeout time.Duration
	// Dialer defaults to a WebSocketDialer for Origin.
	Dialer  Dialer
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// DefaultConfig returns the timeouts used when a Config leaves them unset.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		DefaultTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{Origin: c.Origin}
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

type result struct {
	reply *Reply
	err   error
}

// pendingCall lives from send until its terminal reply, timeout, cancellation
// or channel teardown, whichever removes it from the table first.
type pendingCall struct {
	id           string
	command      Command
	transferPath string
	onProgress   func(*Reply)
	timer        *time.Timer
	done         chan result
}

// Channel multiplexes concurrent invocations over one connection to a single
// trusted endpoint. Correlation ids are the only isolation between calls, and
// replies may arrive in any order.
type Channel struct {
	url string
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	initDone chan struct{}
	initErr  error
	pending  map[string]*pendingCall
}

// New creates an uninitialized channel. The transport is dialed and the
// handshake performed lazily by the first Open or Invoke.
func New(endpointURL string, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		url:     endpointURL,
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("endpoint", endpointURL)),
		pending: make(map[string]*pendingCall),
	}
}

// URL returns the endpoint URL.
func (c *Channel) URL() string {
	return c.url
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of registered pending calls.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Open makes the channel Ready, dialing and performing the handshake if it is
// Uninitialized. Concurrent callers share one handshake. A failed handshake is
// terminal for this channel.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateFailed:
		err := c.initErr
		c.mu.Unlock()
		return err
	case StateClosed:
		c.mu.Unlock()
		return c.closedError("open")
	case StateInitializing:
		done := c.initDone
		c.mu.Unlock()
		select {
		case <-done:
			return c.Open(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.state = StateInitializing
	c.initDone = make(chan struct{})
	done := c.initDone
	c.mu.Unlock()

	// The handshake outlives the first caller's cancellation; other callers
	// may be waiting on it.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandshakeTimeout)
	err := c.handshake(hctx)
	cancel()

	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		err = c.closedError("handshake")
		c.initErr = err
	case err != nil:
		c.state = StateFailed
		c.initErr = err
	default:
		c.state = StateReady
	}
	conn := c.conn
	c.mu.Unlock()
	close(done)

	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		c.cfg.Metrics.RecordHandshake(handshakeResult(err))
		c.log.Warn("Proxy handshake failed", zap.Error(err))
		return err
	}

	c.cfg.Metrics.RecordHandshake("ready")
	c.log.Debug("Proxy channel ready")
	return nil
}

func handshakeResult(err error) string {
	switch fault.KindOf(err) {
	case fault.Timeout:
		return "timeout"
	case fault.InvalidOrigin:
		return "rejected"
	default:
		return "error"
	}
}

func (c *Channel) handshake(ctx context.Context) error {
	conn, err := c.cfg.Dialer.Dial(ctx, c.url)
	if err != nil {
		if _, ok := fault.As(err); ok {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Wrap(fault.Timeout, "dial", err).WithEndpoint(c.url)
		}
		return fault.Wrap(fault.Unknown, "dial", err).WithEndpoint(c.url)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return c.closedError("handshake")
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	req, err := c.buildRequest(CommandPing, PingPayload{Origin: c.cfg.Origin}, "")
	if err != nil {
		return err
	}

	// The pending-call timer, not ctx, enforces the remaining handshake
	// budget so expiry surfaces as fault.Timeout.
	timeout := c.cfg.HandshakeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), time.Millisecond)
	}
	_, err = c.roundTrip(context.WithoutCancel(ctx), conn, req, timeout, nil)
	return err
}

// Invoke sends command with payload and waits for its terminal reply.
//
// An error reply is returned as a fault.Remote (or fault.InvalidOrigin)
// error; a missing reply as fault.Timeout. Both carry the endpoint URL.
func (c *Channel) Invoke(ctx context.Context, command Command, payload any, opts ...InvokeOption) (*Reply, error) {
	if err := c.Open(ctx); err != nil {
		return nil, err
	}

	o := invokeOptions{timeout: c.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	req, err := c.buildRequest(command, payload, o.transferPath)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	return c.roundTrip(ctx, conn, req, o.timeout, o.onProgress)
}

// buildRequest encodes payload. When transferPath names a []byte field of a
// map payload, that field is moved out of the JSON and into Request.Transfer.
func (c *Channel) buildRequest(command Command, payload any, transferPath string) (*Request, error) {
	req := &Request{Command: command}

	if transferPath != "" {
		fields, ok := payload.(map[string]any)
		if !ok {
			return nil, fault.New(fault.Invalid, "invoke",
				fmt.Sprintf("transfer path %q requires a map payload, got %T", transferPath, payload))
		}
		if value, present := fields[transferPath]; present && value != nil {
			body, ok := value.([]byte)
			if !ok {
				return nil, fault.New(fault.Invalid, "invoke",
					fmt.Sprintf("transfer path %q holds %T, not bytes", transferPath, value))
			}
			rest := make(map[string]any, len(fields)-1)
			for k, v := range fields {
				if k != transferPath {
					rest[k] = v
				}
			}
			payload = rest
			req.Transfer = body
		}
		req.TransferPath = transferPath
	}

	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.Invalid, "invoke", fmt.Errorf("encode %s payload: %w", command, err))
		}
		req.Payload = raw
	}
	return req, nil
}

func (c *Channel) roundTrip(ctx context.Context, conn Conn, req *Request, timeout time.Duration, onProgress func(*Reply)) (*Reply, error) {
	req.ID = id.NewCorrelationID().String()
	pc := &pendingCall{
		id:           req.ID,
		command:      req.Command,
		transferPath: req.TransferPath,
		onProgress:   onProgress,
		done:         make(chan result, 1),
	}

	c.mu.Lock()
	if c.state == StateClosed || (c.state == StateFailed && req.Command != CommandPing) {
		c.mu.Unlock()
		return nil, c.closedError("invoke")
	}
	c.pending[req.ID] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		c.settle(req.ID, nil, fault.New(fault.Timeout, "invoke",
			fmt.Sprintf("no reply to %s within %s", req.Command, timeout)).WithEndpoint(c.url))
	})
	c.mu.Unlock()
	c.cfg.Metrics.AddPendingCalls(1)

	timer := monitoring.NewTimer(c.cfg.Metrics, string(req.Command))

	if err := conn.Send(req); err != nil {
		c.settle(req.ID, nil, fault.Wrap(fault.Closed, "send", err).WithEndpoint(c.url))
	} else {
		c.cfg.Metrics.RecordTransfer("sent", len(req.Transfer))
	}

	select {
	case res := <-pc.done:
		if res.err != nil {
			timer.Stop(string(fault.KindOf(res.err)))
			return nil, res.err
		}
		if err := res.reply.Err(c.url); err != nil {
			timer.Stop(string(OutcomeError))
			return res.reply, err
		}
		timer.Stop(string(OutcomeSuccess))
		return res.reply, nil
	case <-ctx.Done():
		c.settle(req.ID, nil, ctx.Err())
		timer.Stop("cancelled")
		return nil, ctx.Err()
	}
}

// settle resolves a pending call exactly once. It reports false when the id
// is unknown, i.e. already settled.
func (c *Channel) settle(callID string, reply *Reply, err error) bool {
	c.mu.Lock()
	pc, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	pc.timer.Stop()
	c.cfg.Metrics.AddPendingCalls(-1)
	pc.done <- result{reply: reply, err: err}
	return true
}

func (c *Channel) readLoop(conn Conn) {
	for {
		reply, err := conn.Recv()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		c.cfg.Metrics.RecordTransfer("received", len(reply.Transfer))

		if reply.Partial {
			c.mu.Lock()
			pc := c.pending[reply.ID]
			c.mu.Unlock()
			if pc != nil && pc.onProgress != nil {
				pc.onProgress(reply)
			}
			continue
		}

		if !c.settle(reply.ID, reply, nil) {
			c.log.Debug("Dropping reply for unknown correlation id", zap.String("id", reply.ID))
		}
	}
}

// connectionLost fails every pending call. A Ready channel becomes Failed so
// its owner replaces it.
func (c *Channel) connectionLost(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	disposed := c.state == StateClosed
	if !disposed {
		c.state = StateFailed
		c.initErr = fault.Wrap(fault.Closed, "recv", cause).WithEndpoint(c.url)
	}
	ids := make([]string, 0, len(c.pending))
	for callID := range c.pending {
		ids = append(ids, callID)
	}
	c.mu.Unlock()

	if !disposed {
		c.log.Warn("Proxy connection lost", zap.Error(cause), zap.Int("pending", len(ids)))
	}
	for _, callID := range ids {
		c.settle(callID, nil, fault.Wrap(fault.Closed, "recv", cause).WithEndpoint(c.url))
	}
}

// Close disposes the channel and fails its pending calls with fault.Closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	ids := make([]string, 0, len(c.pending))
	for callID := range c.pending {
		ids = append(ids, callID)
	}
	c.mu.Unlock()

	for _, callID := range ids {
		c.settle(callID, nil, c.closedError("invoke"))
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) closedError(op string) error {
	return fault.New(fault.Closed, op, "proxy channel is closed").WithEndpoint(c.url)
}

// InvokeOption customises one invocation.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	timeout      time.Duration
	transferPath string
	onProgress   func(*Reply)
}

// WithTimeout overrides the channel's default timeout for one call.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTransfer moves the []byte field named path out of the payload and
// transfers it by reference instead of encoding it.
func WithTransfer(path string) InvokeOption {
	return func(o *invokeOptions) {
		o.transferPath = path
	}
}

// WithProgress receives partial replies sharing the call's correlation id.
// It runs on the channel's read loop and must not block.
func WithProgress(fn func(*Reply)) InvokeOption {
	return func(o *invokeOptions) {
		o.onProgress = fn
	}
}
