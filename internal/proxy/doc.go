/*
Package proxy implements the correlation-based request/response channel
between an untrusted caller and a trusted endpoint.

# Overview

A Channel owns one connection to one endpoint. Every Invoke mints a
correlation id, registers a pending call with its own timer and sends a
Request envelope. The read loop matches replies by id: partial replies feed
the caller's progress callback, the terminal reply settles the call. Calls
never block each other and replies may arrive in any order.

# Lifecycle

	Uninitialized -> Initializing (dial + Ping handshake) -> Ready
	Initializing  -> Failed (handshake timeout or rejection)
	Ready         -> Failed (connection lost) | Closed (Close)

# Failure classes

  - fault.Timeout: no reply within the call's timeout
  - fault.Remote: the endpoint replied with an error (see ReplyError)
  - fault.InvalidOrigin: the endpoint refused the caller's origin
  - fault.Closed: the channel was disposed or the connection dropped

# Transports

Pipe connects two in-process ends and moves transferred byte slices by
reference. WebSocketDialer and Accept carry envelopes as binary frames whose
transferred bytes bypass JSON and are zstd-compressed above a threshold.
*/
package proxy
