package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

const testWeb = "https://contoso.example/sites/dev"

// fakeEndpoint answers like a trusted endpoint in front of a host that
// issues tokens at /_api/contextinfo.
type fakeEndpoint struct {
	contextInfoCalls atomic.Int32
	digest           string
	lifetime         int
	contentType      string
	delay            time.Duration

	mu       sync.Mutex
	requests []*proxy.Request
	handle   func(req *proxy.Request) []*proxy.Reply
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{digest: "digest-1", lifetime: 1800, contentType: "application/json;odata=verbose;charset=utf-8"}
}

func (f *fakeEndpoint) dialer() proxy.Dialer {
	return proxy.DialerFunc(func(ctx context.Context, endpointURL string) (proxy.Conn, error) {
		client, server := proxy.Pipe()
		go f.serve(server)
		return client, nil
	})
}

func (f *fakeEndpoint) serve(server proxy.ServerConn) {
	for {
		req, err := server.Recv()
		if err != nil {
			return
		}
		go func(req *proxy.Request) {
			for _, reply := range f.replies(req) {
				if err := server.Send(reply); err != nil {
					return
				}
			}
		}(req)
	}
}

func (f *fakeEndpoint) replies(req *proxy.Request) []*proxy.Reply {
	if req.Command == proxy.CommandPing {
		reply, _ := proxy.SuccessReply(req.ID, nil)
		return []*proxy.Reply{reply}
	}

	var p proxy.FetchPayload
	if req.Command == proxy.CommandFetch {
		_ = req.Decode(&p)
		if strings.HasSuffix(p.URL, "/_api/contextinfo") {
			f.contextInfoCalls.Add(1)
			time.Sleep(f.delay)
			reply, _ := proxy.SuccessReply(req.ID, proxy.FetchResult{Status: 200, OK: true})
			reply.Headers = map[string]string{"Content-Type": f.contentType}
			reply.Transfer, _ = sonic.Marshal(map[string]any{
				"d": map[string]any{
					"GetContextWebInformation": map[string]any{
						"FormDigestValue":          f.digest,
						"FormDigestTimeoutSeconds": f.lifetime,
						"WebFullUrl":               testWeb,
						"LibraryVersion":           "16.0.0.0",
					},
				},
			})
			return []*proxy.Reply{reply}
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	handle := f.handle
	f.mu.Unlock()
	if handle != nil {
		return handle(req)
	}

	reply, _ := proxy.SuccessReply(req.ID, proxy.FetchResult{Status: 200, OK: true, URL: p.URL})
	reply.Headers = map[string]string{"content-type": "text/plain"}
	reply.Transfer = []byte("hello")
	return []*proxy.Reply{reply}
}

func (f *fakeEndpoint) lastRequest(t *testing.T) *proxy.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func testConfig(dialer proxy.Dialer) Config {
	return Config{
		Proxy: proxy.Config{
			Origin:           "https://app.example",
			HandshakeTimeout: 100 * time.Millisecond,
			DefaultTimeout:   2 * time.Second,
			Dialer:           dialer,
		},
		Registry: proxy.NewRegistry(),
	}
}

func newTestContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	c, err := newContext(testWeb, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.Registry.Close() })
	return c
}

func TestNormalizeWebURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"already normal", "https://contoso.example/sites/dev", "https://contoso.example/sites/dev", false},
		{"case and trailing slash", "HTTPS://Contoso.Example/sites/dev/", "https://contoso.example/sites/dev", false},
		{"default port", "https://contoso.example:443/sites/dev", "https://contoso.example/sites/dev", false},
		{"custom port kept", "http://localhost:8080/", "http://localhost:8080", false},
		{"dot segments", "https://contoso.example/sites/x/../dev", "https://contoso.example/sites/dev", false},
		{"fragment dropped", "https://contoso.example/sites/dev#top", "https://contoso.example/sites/dev", false},
		{"relative", "/sites/dev", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeWebURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, fault.Is(err, fault.Invalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetIsIdempotentPerURL(t *testing.T) {
	cfg := testConfig(newFakeEndpoint().dialer())
	a, err := Get("https://idempotent.example/sites/a", cfg)
	require.NoError(t, err)
	b, err := Get("HTTPS://idempotent.example/sites/a/", cfg)
	require.NoError(t, err)
	other, err := Get("https://idempotent.example/sites/b", cfg)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
	assert.Equal(t, "https://idempotent.example/hostproxy", a.ProxyURL())

	removed, err := Remove("https://idempotent.example/sites/a")
	require.NoError(t, err)
	assert.True(t, removed)

	c, err := Get("https://idempotent.example/sites/a", cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	removed, err = Remove("https://idempotent.example/sites/none")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = Get("sites/a", cfg)
	assert.True(t, fault.Is(err, fault.Invalid))
}

func TestEnsureContextRefreshesTokenOnce(t *testing.T) {
	fake := newFakeEndpoint()
	c := newTestContext(t, testConfig(fake.dialer()))

	ch1, err := c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	ch2, err := c.EnsureContext(context.Background(), true)
	require.NoError(t, err)

	assert.Same(t, ch1, ch2)
	assert.Equal(t, int32(1), fake.contextInfoCalls.Load())

	info := c.ContextInfo()
	require.NotNil(t, info)
	assert.Equal(t, "digest-1", info.Token())
	assert.Equal(t, testWeb, info.WebFullURL)
}

func TestValidTokenIssuesNoRefresh(t *testing.T) {
	fake := newFakeEndpoint()
	c := newTestContext(t, testConfig(fake.dialer()))
	_, err := c.EnsureContext(context.Background(), true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.Fetch(context.Background(), "_api/web", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fake.contextInfoCalls.Load())
}

func TestTokenExpiry(t *testing.T) {
	fake := newFakeEndpoint()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	cfg := testConfig(fake.dialer())
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, now.Add(1800*time.Second), c.ContextInfo().ValidUntil)

	mu.Lock()
	now = now.Add(1799 * time.Second)
	mu.Unlock()
	_, err = c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.contextInfoCalls.Load())

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	_, err = c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.contextInfoCalls.Load())
}

func TestTokenExpiryNeverMovesEarlier(t *testing.T) {
	fake := newFakeEndpoint()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start
	var mu sync.Mutex
	cfg := testConfig(fake.dialer())
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	first := c.ContextInfo().ValidUntil
	assert.Equal(t, start.Add(1800*time.Second), first)

	mu.Lock()
	now = start.Add(1801 * time.Second)
	mu.Unlock()
	fake.lifetime = -3600

	_, err = c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.contextInfoCalls.Load())
	assert.Equal(t, first, c.ContextInfo().ValidUntil)
}

func TestInvalidateToken(t *testing.T) {
	fake := newFakeEndpoint()
	c := newTestContext(t, testConfig(fake.dialer()))

	_, err := c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	c.InvalidateToken()
	assert.Nil(t, c.ContextInfo())

	_, err = c.EnsureContext(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.contextInfoCalls.Load())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	fake := newFakeEndpoint()
	fake.delay = 50 * time.Millisecond
	c := newTestContext(t, testConfig(fake.dialer()))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.EnsureContext(context.Background(), true)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fake.contextInfoCalls.Load())
}

func TestContextInfoRejectsUnexpectedContentType(t *testing.T) {
	fake := newFakeEndpoint()
	fake.contentType = "text/html"
	c := newTestContext(t, testConfig(fake.dialer()))

	_, err := c.EnsureContext(context.Background(), true)
	require.Error(t, err)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.BadResponse, fe.Kind)
	assert.Equal(t, "text/html", fe.ContentType)
	assert.Nil(t, c.ContextInfo())
}

// silentDialer connects, but nothing ever answers the handshake.
func silentDialer() proxy.Dialer {
	return proxy.DialerFunc(func(ctx context.Context, endpointURL string) (proxy.Conn, error) {
		client, _ := proxy.Pipe()
		return client, nil
	})
}

func TestEnsureContextRedirectsToAuthentication(t *testing.T) {
	var navigated []string
	cfg := testConfig(silentDialer())
	cfg.Location = LocationFunc(func() string { return "https://app.example/page?x=1#/route" })
	cfg.Navigator = NavigatorFunc(func(target string) error {
		navigated = append(navigated, target)
		return nil
	})
	cfg.Auth.Query = url.Values{"client": {"lookout"}}
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), true)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.AuthRequired))
	assert.True(t, fault.Is(errors.Unwrap(err), fault.Timeout))

	require.Len(t, navigated, 1)
	target, err := url.Parse(navigated[0])
	require.NoError(t, err)
	assert.Equal(t, "contoso.example", target.Host)
	assert.Equal(t, DefaultAuthPath, target.Path)
	assert.Equal(t, "lookout", target.Query().Get("client"))

	source, err := url.Parse(target.Query().Get("source"))
	require.NoError(t, err)
	assert.Equal(t, "/page", source.Path)
	assert.Equal(t, "1", source.Query().Get("x"))
	assert.Equal(t, "#/route", source.Query().Get(AuthCallbackParam))
	assert.Empty(t, source.Fragment)
}

func TestEnsureContextWithoutRedirect(t *testing.T) {
	navigated := false
	cfg := testConfig(silentDialer())
	cfg.Location = LocationFunc(func() string { return "https://app.example/page" })
	cfg.Navigator = NavigatorFunc(func(string) error { navigated = true; return nil })
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), false)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.AuthRequired))
	assert.False(t, navigated)
}

func TestEnsureContextAfterAuthCallbackIsNoProxy(t *testing.T) {
	navigated := false
	cfg := testConfig(silentDialer())
	cfg.Location = LocationFunc(func() string { return "https://app.example/page?splauth=%23%2Froute" })
	cfg.Navigator = NavigatorFunc(func(string) error { navigated = true; return nil })
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), true)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NoProxy))
	assert.False(t, navigated)
}

func TestEnsureContextUnauthorizedDialRedirects(t *testing.T) {
	cfg := testConfig(proxy.DialerFunc(func(ctx context.Context, endpointURL string) (proxy.Conn, error) {
		return nil, fault.New(fault.AuthRequired, "dial", "401 Unauthorized").WithEndpoint(endpointURL)
	}))
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), false)
	assert.True(t, fault.Is(err, fault.AuthRequired))
}

func TestEnsureContextInvalidOrigin(t *testing.T) {
	cfg := testConfig(proxy.DialerFunc(func(ctx context.Context, endpointURL string) (proxy.Conn, error) {
		client, server := proxy.Pipe()
		go func() {
			req, err := server.Recv()
			if err != nil {
				return
			}
			_ = server.Send(proxy.ErrorReply(req.ID, string(fault.InvalidOrigin),
				"The specified origin is not trusted by the HostWebProxy",
				map[string]string{"invalidOrigin": "https://evil.example", "url": "https://contoso.example/hostproxy?v=2"}))
		}()
		return client, nil
	}))
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), true)
	require.Error(t, err)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.InvalidOrigin, fe.Kind)
	assert.Equal(t, "https://evil.example", fe.Origin)
	assert.Contains(t, fe.Message, "https://evil.example")
	assert.Contains(t, fe.Message, "https://contoso.example/hostproxy")
	assert.NotContains(t, fe.Message, "v=2")
}

func TestEnsureContextUnknownFailure(t *testing.T) {
	cfg := testConfig(proxy.DialerFunc(func(ctx context.Context, endpointURL string) (proxy.Conn, error) {
		return nil, errors.New("connection refused")
	}))
	c := newTestContext(t, cfg)

	_, err := c.EnsureContext(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, fault.Unknown, fault.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAuthRedirectURLUsesConfiguredSource(t *testing.T) {
	cfg := testConfig(silentDialer())
	cfg.Auth.SourceURL = "https://app.example/return"
	c := newTestContext(t, cfg)

	target, err := c.AuthRedirectURL()
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example/return?splauth=", u.Query().Get("source"))
}

func TestSiteRelativeURL(t *testing.T) {
	fake := newFakeEndpoint()
	c := newTestContext(t, testConfig(fake.dialer()))

	tests := []struct {
		target string
		want   string
	}{
		{"https://contoso.example/sites/dev/Lists/Tasks", "Lists/Tasks"},
		{"https://contoso.example/sites/other/x", "../other/x"},
		{"https://contoso.example/sites/dev/Lists/Tasks?view=all", "Lists/Tasks?view=all"},
		{"https://elsewhere.example/x", "https://elsewhere.example/x"},
		{"Lists/../Docs", "Docs"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := c.SiteRelativeURL(context.Background(), tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
