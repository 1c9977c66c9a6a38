package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/logging"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/SPLookout/internal/sandbox"
)

// errServerStatus marks a 5xx reply so it counts against the host's breaker
// while the response itself is still returned.
var errServerStatus = errors.New("upstream server error")

// HTTPFetcher performs requests with the endpoint's ambient credentials: a
// shared cookie jar plus the configured credential headers. Requests with
// credentials "omit" go through a second client without either.
type HTTPFetcher struct {
	cfg       FetchConfig
	base      *url.URL
	client    *resty.Client
	anonymous *resty.Client
	breakers  *resilience.Group
	log       *zap.Logger
}

// NewHTTPFetcher builds the resty clients over a retrying transport.
func NewHTTPFetcher(cfg FetchConfig, logger *zap.Logger) (*HTTPFetcher, error) {
	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("invalid fetch base URL %q", cfg.BaseURL)
		}
		base = u
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	// Exhausted retries hand back the last response so its status reaches the caller.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	transport := &retryablehttp.RoundTripper{Client: retryClient}

	newClient := func() *resty.Client {
		return resty.New().
			SetTransport(transport).
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", cfg.UserAgent)
	}

	settings := cfg.Breaker
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.7)
		}
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}

	log := logging.OrNop(logger)
	settings.OnStateChange = chainStateChange(settings.OnStateChange, func(name string, from, to resilience.State) {
		log.Warn("Fetch circuit breaker changed state",
			zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
	})

	return &HTTPFetcher{
		cfg:       cfg,
		base:      base,
		client:    newClient().SetCookieJar(jar),
		anonymous: newClient().SetCookieJar(nil),
		breakers:  resilience.NewGroup("fetch:", settings),
		log:       log,
	}, nil
}

func chainStateChange(first, second func(string, resilience.State, resilience.State)) func(string, resilience.State, resilience.State) {
	if first == nil {
		return second
	}
	return func(name string, from, to resilience.State) {
		first(name, from, to)
		second(name, from, to)
	}
}

// Breakers exposes per-host breaker states.
func (f *HTTPFetcher) Breakers() map[string]resilience.State {
	return f.breakers.States()
}

// Fetch performs req. Any HTTP status is a successful fetch; only transport
// failures and open breakers return an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, req sandbox.FetchRequest) (*sandbox.FetchResponse, error) {
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	client := f.client
	credentialed := req.Credentials != "omit"
	if !credentialed {
		client = f.anonymous
	}

	r := client.R().SetContext(ctx)
	if credentialed {
		r.SetHeaders(f.cfg.Headers)
	}
	r.SetHeaders(req.Headers)
	if req.Cache == "no-store" && r.Header.Get("Cache-Control") == "" {
		r.SetHeader("Cache-Control", "no-store")
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var resp *resty.Response
	err = f.breakers.Get(target.Host).Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = r.Execute(method, target.String())
		if err == nil && resp.StatusCode() >= http.StatusInternalServerError {
			return errServerStatus
		}
		return err
	})
	if err != nil && !errors.Is(err, errServerStatus) {
		f.log.Debug("Fetch failed", zap.String("url", target.String()), zap.Error(err))
		return nil, err
	}

	return f.response(target, resp), nil
}

func (f *HTTPFetcher) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch URL %q: %w", raw, err)
	}
	if !u.IsAbs() {
		if f.base == nil {
			return nil, fmt.Errorf("relative fetch URL %q without a base URL", raw)
		}
		u = f.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported fetch scheme %q", u.Scheme)
	}
	return u, nil
}

func (f *HTTPFetcher) response(target *url.URL, resp *resty.Response) *sandbox.FetchResponse {
	out := &sandbox.FetchResponse{
		URL:        target.String(),
		Status:     resp.StatusCode(),
		StatusText: statusText(resp),
		Headers:    lowerHeaders(resp.Header()),
		Body:       resp.Body(),
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		out.URL = raw.Request.URL.String()
	}
	if _, ok := out.Headers["content-type"]; !ok && len(out.Body) > 0 {
		out.Headers["content-type"] = mimetype.Detect(out.Body).String()
	}
	return out
}

// statusText strips the code from "200 OK".
func statusText(resp *resty.Response) string {
	status := resp.Status()
	if _, text, ok := strings.Cut(status, " "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode())
}

func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
