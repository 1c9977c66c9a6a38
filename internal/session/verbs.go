package session

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

// RunConfig is the module set evaluated by Run.
type RunConfig = proxy.RunPayload

// Eval evaluates code in the global scope of the trusted endpoint.
func (c *Context) Eval(ctx context.Context, code string) (*proxy.Reply, error) {
	ch, err := c.EnsureContext(ctx, true)
	if err != nil {
		return nil, err
	}
	return ch.Invoke(ctx, proxy.CommandEval, proxy.EvalPayload{Code: code})
}

// SetCommand registers code, which must evaluate to a function, as a
// command run in the endpoint's global scope.
func (c *Context) SetCommand(ctx context.Context, name, code string) (*proxy.Reply, error) {
	return c.setCommand(ctx, proxy.CommandSetCommand, name, code)
}

// SetWorkerCommand registers code, which must evaluate to a function, as a
// command run in a fresh sandbox per invocation.
func (c *Context) SetWorkerCommand(ctx context.Context, name, code string) (*proxy.Reply, error) {
	return c.setCommand(ctx, proxy.CommandSetWorkerCommand, name, code)
}

func (c *Context) setCommand(ctx context.Context, cmd proxy.Command, name, code string) (*proxy.Reply, error) {
	if name == "" {
		return nil, fault.New(fault.Invalid, string(cmd), "a command name is required")
	}
	ch, err := c.EnsureContext(ctx, true)
	if err != nil {
		return nil, err
	}
	return ch.Invoke(ctx, cmd, proxy.CommandPayload{CommandName: name, CommandCode: code})
}

// Invoke calls a command registered with SetCommand or SetWorkerCommand.
func (c *Context) Invoke(ctx context.Context, name string, args any, opts ...proxy.InvokeOption) (*proxy.Reply, error) {
	if name == "" {
		return nil, fault.New(fault.Invalid, "invoke", "a command name is required")
	}
	var raw json.RawMessage
	if args != nil {
		encoded, err := sonic.Marshal(args)
		if err != nil {
			return nil, fault.Wrap(fault.Invalid, "invoke", err)
		}
		raw = encoded
	}
	ch, err := c.EnsureContext(ctx, true)
	if err != nil {
		return nil, err
	}
	return ch.Invoke(ctx, proxy.CommandInvoke, proxy.InvokePayload{CommandName: name, Args: raw}, opts...)
}

// Run evaluates a module set in a fresh sandbox on the endpoint and returns
// its resolved exports. Long runs report through proxy.WithProgress; with
// proxy.WithTransfer the named export field comes back as Reply.Transfer.
func (c *Context) Run(ctx context.Context, cfg RunConfig, opts ...proxy.InvokeOption) (*proxy.Reply, error) {
	if cfg.EntryPointID == "" {
		return nil, fault.New(fault.Invalid, "run", "an entry point id is required")
	}
	ch, err := c.EnsureContext(ctx, true)
	if err != nil {
		return nil, err
	}
	return ch.Invoke(ctx, proxy.CommandRun, cfg.Fields(), opts...)
}
