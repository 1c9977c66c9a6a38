package proxy

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrConnClosed is returned by transports after Close.
var ErrConnClosed = errors.New("proxy connection closed")

// Conn is the client side of one message channel to a trusted endpoint.
// Send must be safe for concurrent use; Recv is only called by the channel's
// read loop.
type Conn interface {
	Send(req *Request) error
	Recv() (*Reply, error)
	Close() error
}

// ServerConn is the endpoint side of a message channel. Send must be safe for
// concurrent use since requests are handled in parallel.
type ServerConn interface {
	Recv() (*Request, error)
	Send(reply *Reply) error
	// Origin is the origin declared by the transport itself, if any.
	Origin() string
	Close() error
}

// Dialer opens the underlying transport to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpointURL string) (Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, endpointURL string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpointURL string) (Conn, error) {
	return f(ctx, endpointURL)
}

// Pipe returns the two ends of an in-process message channel. Envelopes and
// transferred byte slices cross it by reference, never copied.
func Pipe() (Conn, ServerConn) {
	p := &pipe{
		requests: make(chan *Request, 64),
		replies:  make(chan *Reply, 64),
		closed:   make(chan struct{}),
	}
	return &pipeClient{p}, &pipeServer{p: p}
}

// PipeWithOrigin is Pipe with a transport-level origin visible to the endpoint.
func PipeWithOrigin(origin string) (Conn, ServerConn) {
	client, server := Pipe()
	server.(*pipeServer).origin = origin
	return client, server
}

type pipe struct {
	requests chan *Request
	replies  chan *Reply
	closed   chan struct{}
	once     sync.Once
}

func (p *pipe) close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type pipeClient struct{ p *pipe }

func (c *pipeClient) Send(req *Request) error {
	select {
	case <-c.p.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.p.requests <- req:
		return nil
	case <-c.p.closed:
		return ErrConnClosed
	}
}

func (c *pipeClient) Recv() (*Reply, error) {
	select {
	case reply := <-c.p.replies:
		return reply, nil
	case <-c.p.closed:
		return nil, io.EOF
	}
}

func (c *pipeClient) Close() error { return c.p.close() }

type pipeServer struct {
	p      *pipe
	origin string
}

func (s *pipeServer) Recv() (*Request, error) {
	select {
	case req := <-s.p.requests:
		return req, nil
	case <-s.p.closed:
		return nil, io.EOF
	}
}

func (s *pipeServer) Send(reply *Reply) error {
	select {
	case <-s.p.closed:
		return ErrConnClosed
	default:
	}
	select {
	case s.p.replies <- reply:
		return nil
	case <-s.p.closed:
		return ErrConnClosed
	}
}

func (s *pipeServer) Origin() string { return s.origin }

func (s *pipeServer) Close() error { return s.p.close() }
