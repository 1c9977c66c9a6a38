/*
Package sandbox runs module sets in isolated goja runtimes.

# Overview

An Executor owns one fresh goja runtime and one goroutine. It receives a
single StartMessage and reports only through its outbox (Messages), so the
host and the sandboxed code share no memory:

  - zero or more progress messages, posted by sandboxed calls to progress()
  - exactly one terminal message, success or error

# Execution

 1. An optional bootstrap script is evaluated in the global scope. The
    native AMD loader (define, requirejs, require) is already installed and
    a bootstrap may replace it. A module config, when present, is applied
    through requirejs.config.
 2. Each module definition is evaluated in the same global scope.
 3. The entry point is requested asynchronously from the loader.
 4. Every awaitable own enumerable export is awaited and replaced by its
    value, so the posted snapshot is fully resolved.
 5. The snapshot is serialised with the runtime's JSON. A transfer path
    moves one field out as raw bytes.

# Event Loop

setTimeout, promise jobs and the optional host fetch all settle on the
executor goroutine. A wait that nothing pending can finish fails instead of
hanging, and the execution deadline interrupts the VM.

# Errors

Error replies copy the thrown value's own enumerable fields, then name,
message and stack, and reduce a nested originalError to text. Every failure
is also handed to Config.OnUncaught.

# Usage Example

	exec := sandbox.New(sandbox.DefaultConfig())
	reply, err := exec.Run(ctx, sandbox.StartMessage{
		ModuleDefinitions: []string{`define('main', [], function () { return { ok: true }; })`},
		EntryPointID:      "main",
	}, nil)

Pool bounds how many executors the endpoint runs at once.
*/
package sandbox
