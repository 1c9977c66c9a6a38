package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

// handlerFunc answers one request with zero or more replies. Returning nil
// leaves the request unanswered.
type handlerFunc func(req *Request) []*Reply

// serveFake runs a minimal endpoint on server. Ping is answered
// automatically unless handler wants to see it.
func serveFake(t *testing.T, server ServerConn, handlePing bool, handler handlerFunc) {
	t.Helper()
	go func() {
		for {
			req, err := server.Recv()
			if err != nil {
				return
			}
			if req.Command == CommandPing && !handlePing {
				reply, _ := SuccessReply(req.ID, map[string]any{"ready": true})
				_ = server.Send(reply)
				continue
			}
			go func(req *Request) {
				for _, reply := range handler(req) {
					if err := server.Send(reply); err != nil {
						return
					}
				}
			}(req)
		}
	}()
}

func pipeDialer(t *testing.T, handlePing bool, handler handlerFunc) (Dialer, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	return DialerFunc(func(ctx context.Context, endpointURL string) (Conn, error) {
		dials.Add(1)
		client, server := Pipe()
		t.Cleanup(func() { _ = server.Close() })
		serveFake(t, server, handlePing, handler)
		return client, nil
	}), &dials
}

func newTestChannel(t *testing.T, handler handlerFunc) *Channel {
	t.Helper()
	dialer, _ := pipeDialer(t, false, handler)
	ch := New("https://contoso.example/hostproxy", Config{
		Origin:           "https://fiddle.example",
		HandshakeTimeout: time.Second,
		DefaultTimeout:   2 * time.Second,
		Dialer:           dialer,
	})
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestInvokeLazilyInitializes(t *testing.T) {
	ch := newTestChannel(t, func(req *Request) []*Reply {
		reply, _ := SuccessReply(req.ID, "ok")
		return []*Reply{reply}
	})
	assert.Equal(t, StateUninitialized, ch.State())

	reply, err := ch.Invoke(context.Background(), CommandEval, map[string]any{"code": "1"})
	require.NoError(t, err)

	var got string
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, "ok", got)
	assert.Equal(t, StateReady, ch.State())
}

func TestInvokeConcurrentRepliesOutOfOrder(t *testing.T) {
	const calls = 50

	var (
		mu       sync.Mutex
		received []*Request
		release  = make(chan struct{})
	)
	ch := newTestChannel(t, func(req *Request) []*Reply {
		mu.Lock()
		received = append(received, req)
		if len(received) == calls {
			close(release)
		}
		mu.Unlock()

		<-release
		// Later requests answer first.
		mu.Lock()
		idx := 0
		for i, r := range received {
			if r.ID == req.ID {
				idx = i
			}
		}
		mu.Unlock()
		time.Sleep(time.Duration(calls-idx) * time.Millisecond)

		var payload struct {
			N int `json:"n"`
		}
		_ = req.Decode(&payload)
		reply, _ := SuccessReply(req.ID, map[string]int{"n": payload.N})
		return []*Reply{reply}
	})

	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply, err := ch.Invoke(context.Background(), CommandEval, map[string]any{"n": n})
			if err != nil {
				errs <- err
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := reply.Decode(&got); err != nil {
				errs <- err
				return
			}
			if got.N != n {
				errs <- fmt.Errorf("call %d received reply for %d", n, got.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, ch.Pending())
}

func TestInvokeTimeout(t *testing.T) {
	ch := newTestChannel(t, func(req *Request) []*Reply { return nil })
	require.NoError(t, ch.Open(context.Background()))

	start := time.Now()
	_, err := ch.Invoke(context.Background(), CommandEval, map[string]any{"code": "while(true){}"},
		WithTimeout(80*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Timeout), "got %v", err)
	assert.False(t, fault.Is(err, fault.Remote))
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, ch.Pending(), "timed-out call must be removed from the table")
	assert.Equal(t, StateReady, ch.State(), "a call timeout does not affect channel state")
}

func TestInvokeRemoteErrorIsNotTimeout(t *testing.T) {
	ch := newTestChannel(t, func(req *Request) []*Reply {
		return []*Reply{ErrorReply(req.ID, "TypeError", "x is not a function", map[string]any{"name": "TypeError"})}
	})

	reply, err := ch.Invoke(context.Background(), CommandEval, map[string]any{"code": "x()"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Remote))
	assert.False(t, fault.Is(err, fault.Timeout))
	require.NotNil(t, reply)

	var replyErr *ReplyError
	require.True(t, errors.As(err, &replyErr))
	assert.Equal(t, "TypeError", replyErr.Reply.ErrorType)
	assert.Contains(t, err.Error(), "contoso.example")
}

func TestInvokeCancellationFreesPendingCall(t *testing.T) {
	ch := newTestChannel(t, func(req *Request) []*Reply { return nil })
	require.NoError(t, ch.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(ctx, CommandEval, nil, WithTimeout(time.Minute))
		done <- err
	}()

	require.Eventually(t, func() bool { return ch.Pending() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ch.Pending())
}

func TestInvokeProgress(t *testing.T) {
	ch := newTestChannel(t, func(req *Request) []*Reply {
		var replies []*Reply
		for i := 1; i <= 3; i++ {
			p, _ := ProgressReply(req.ID, i)
			replies = append(replies, p)
		}
		final, _ := SuccessReply(req.ID, "done")
		return append(replies, final)
	})

	var progress []int
	reply, err := ch.Invoke(context.Background(), CommandRun, map[string]any{"entryPointId": "m"},
		WithProgress(func(r *Reply) {
			var n int
			_ = r.Decode(&n)
			progress = append(progress, n)
		}))
	require.NoError(t, err)

	var final string
	require.NoError(t, reply.Decode(&final))
	assert.Equal(t, "done", final)
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestInvokeTransfersBytesByReference(t *testing.T) {
	body := []byte("a large request body")
	seen := make(chan *Request, 1)

	ch := newTestChannel(t, func(req *Request) []*Reply {
		seen <- req
		reply, _ := SuccessReply(req.ID, nil)
		return []*Reply{reply}
	})

	_, err := ch.Invoke(context.Background(), CommandFetch,
		map[string]any{"url": "/_api/web", "body": body}, WithTransfer("body"))
	require.NoError(t, err)

	req := <-seen
	assert.Equal(t, "body", req.TransferPath)
	require.Len(t, req.Transfer, len(body))
	assert.True(t, &req.Transfer[0] == &body[0], "pipe must hand over the same backing array")
	assert.NotContains(t, string(req.Payload), "body\"")
	assert.Contains(t, string(req.Payload), "/_api/web")
}

func TestInvokeTransferPathMustHoldBytes(t *testing.T) {
	ch := newTestChannel(t, func(req *Request) []*Reply { return nil })

	_, err := ch.Invoke(context.Background(), CommandFetch,
		map[string]any{"body": "not bytes"}, WithTransfer("body"))
	assert.True(t, fault.Is(err, fault.Invalid))
}

func TestHandshakeTimeoutFailsChannel(t *testing.T) {
	dialer, _ := pipeDialer(t, true, func(req *Request) []*Reply { return nil })
	ch := New("https://contoso.example/hostproxy", Config{
		HandshakeTimeout: 50 * time.Millisecond,
		Dialer:           dialer,
	})
	defer ch.Close()

	err := ch.Open(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Timeout))
	assert.Equal(t, StateFailed, ch.State())

	_, err = ch.Invoke(context.Background(), CommandEval, nil)
	assert.True(t, fault.Is(err, fault.Timeout), "failed channel keeps reporting its handshake error")
}

func TestHandshakeInvalidOrigin(t *testing.T) {
	dialer, _ := pipeDialer(t, true, func(req *Request) []*Reply {
		return []*Reply{ErrorReply(req.ID, string(fault.InvalidOrigin),
			"The specified origin is not trusted by the HostWebProxy",
			map[string]string{"invalidOrigin": "https://evil.example", "url": "https://contoso.example/hostproxy"})}
	})
	ch := New("https://contoso.example/hostproxy", Config{Dialer: dialer, HandshakeTimeout: time.Second})
	defer ch.Close()

	err := ch.Open(context.Background())
	require.Error(t, err)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.InvalidOrigin, fe.Kind)
	assert.Equal(t, "https://evil.example", fe.Origin)
	assert.Equal(t, StateFailed, ch.State())
}

func TestCloseFailsPendingCalls(t *testing.T) {
	ch := newTestChannel(t, func(req *Request) []*Reply { return nil })
	require.NoError(t, ch.Open(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), CommandEval, nil, WithTimeout(time.Minute))
		done <- err
	}()
	require.Eventually(t, func() bool { return ch.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	err := <-done
	assert.True(t, fault.Is(err, fault.Closed))
	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, 0, ch.Pending())
}

func TestConnectionLostFailsChannel(t *testing.T) {
	var server ServerConn
	dialer := DialerFunc(func(ctx context.Context, endpointURL string) (Conn, error) {
		client, s := Pipe()
		server = s
		serveFake(t, s, false, func(req *Request) []*Reply { return nil })
		return client, nil
	})
	ch := New("https://contoso.example/hostproxy", Config{Dialer: dialer, HandshakeTimeout: time.Second})
	defer ch.Close()
	require.NoError(t, ch.Open(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), CommandEval, nil, WithTimeout(time.Minute))
		done <- err
	}()
	require.Eventually(t, func() bool { return ch.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, server.Close())
	err := <-done
	assert.True(t, fault.Is(err, fault.Closed))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateFailed, ch.State())
}

func TestReplyHeaderIsCaseInsensitive(t *testing.T) {
	reply := &Reply{Headers: map[string]string{"Content-Type": "application/json"}}
	assert.Equal(t, "application/json", reply.Header("content-type"))
	assert.Equal(t, "", reply.Header("x-missing"))
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateUninitialized: "uninitialized",
		StateInitializing:  "initializing",
		StateReady:         "ready",
		StateFailed:        "failed",
		StateClosed:        "closed",
	} {
		assert.Equal(t, want, state.String())
	}
	assert.True(t, strings.HasPrefix(State(42).String(), "unknown"))
}
