package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

var (
	contextsMu sync.Mutex
	contexts   = make(map[string]*Context)
)

// Context is the session with one web. It owns the route to the web's
// trusted endpoint and the request-verification token.
type Context struct {
	webURL   string
	proxyURL string
	cfg      Config
	log      *zap.Logger

	mu      sync.Mutex
	info    *ContextInfo
	refresh singleflight.Group
}

// Get returns the process-wide Context for webURL, creating it with cfg on
// first use. Later calls return the same instance and ignore cfg.
func Get(webURL string, cfg Config) (*Context, error) {
	normalized, err := NormalizeWebURL(webURL)
	if err != nil {
		return nil, err
	}

	contextsMu.Lock()
	defer contextsMu.Unlock()
	if c, ok := contexts[normalized]; ok {
		return c, nil
	}
	c, err := newContext(normalized, cfg)
	if err != nil {
		return nil, err
	}
	contexts[normalized] = c
	return c, nil
}

// Remove forgets the Context for webURL. It reports whether one existed.
func Remove(webURL string) (bool, error) {
	normalized, err := NormalizeWebURL(webURL)
	if err != nil {
		return false, err
	}
	contextsMu.Lock()
	defer contextsMu.Unlock()
	_, ok := contexts[normalized]
	delete(contexts, normalized)
	return ok, nil
}

func newContext(webURL string, cfg Config) (*Context, error) {
	cfg = cfg.withDefaults()
	proxyURL, err := resolve(webURL, cfg.ProxyPath)
	if err != nil {
		return nil, fault.Wrap(fault.Invalid, "session", err)
	}
	return &Context{
		webURL:   webURL,
		proxyURL: proxyURL,
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("web", webURL)),
	}, nil
}

// NormalizeWebURL validates that raw is absolute and returns its canonical
// form: lower-case scheme and host, no default port, a clean path without a
// trailing slash, and no fragment.
func NormalizeWebURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fault.New(fault.Invalid, "session", "an absolute web URL is required")
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fault.Wrap(fault.Invalid, "session", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fault.New(fault.Invalid, "session",
			fmt.Sprintf("web URL %q must be absolute", raw))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path != "" {
		u.Path = path.Clean(u.Path)
		if u.Path == "/" {
			u.Path = ""
		}
		u.RawPath = ""
	}
	return u.String(), nil
}

// WebURL returns the normalized web URL.
func (c *Context) WebURL() string { return c.webURL }

// ProxyURL returns the trusted endpoint URL.
func (c *Context) ProxyURL() string { return c.proxyURL }

// EnsureContext returns a Ready channel to the trusted endpoint with a valid
// token, refreshing the token first when it is missing or expired.
//
// A channel that cannot be opened because the endpoint did not answer means
// the user is not authenticated with the host: unless the current location
// is already an authentication callback, the user is sent to the
// authentication page (redirect true) and fault.AuthRequired returned.
func (c *Context) EnsureContext(ctx context.Context, redirect bool) (*proxy.Channel, error) {
	ch, err := c.cfg.Registry.GetOrCreate(ctx, c.proxyURL, c.cfg.Proxy)
	if err != nil {
		return nil, c.classify(err, redirect)
	}
	if c.tokenValid() {
		return ch, nil
	}
	if err := c.refreshToken(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Context) classify(err error, redirect bool) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if _, classified := fault.As(err); !classified {
			return err
		}
	}

	fe, ok := fault.As(err)
	if !ok {
		return &fault.Error{
			Kind:     fault.Unknown,
			Op:       "ensure context",
			Endpoint: c.proxyURL,
			Message:  "unexpected error while connecting to the trusted endpoint",
			Err:      err,
		}
	}

	switch fe.Kind {
	case fault.Timeout, fault.AuthRequired:
		return c.authFailure(err, redirect)
	case fault.InvalidOrigin:
		where := fe.Endpoint
		if u, perr := url.Parse(where); perr == nil {
			u.RawQuery = ""
			where = u.String()
		}
		return &fault.Error{
			Kind:     fault.InvalidOrigin,
			Op:       "ensure context",
			Endpoint: fe.Endpoint,
			Origin:   fe.Origin,
			Message: fmt.Sprintf("the trusted endpoint does not trust the current origin; add %s to the trusted origins of %s",
				fe.Origin, where),
			Err: err,
		}
	default:
		return err
	}
}

func (c *Context) authFailure(cause error, redirect bool) error {
	current := c.currentLocation()
	if isAuthCallback(current) {
		return &fault.Error{
			Kind:     fault.NoProxy,
			Op:       "ensure context",
			Endpoint: c.proxyURL,
			Message:  "authentication has previously succeeded, but the trusted endpoint did not respond in time; ensure it is served at this URL",
			Err:      cause,
		}
	}

	target, err := c.AuthRedirectURL()
	if err != nil {
		return fault.Wrap(fault.Unknown, "ensure context", err).WithEndpoint(c.proxyURL)
	}

	if !redirect {
		return &fault.Error{
			Kind:     fault.AuthRequired,
			Op:       "ensure context",
			Endpoint: c.proxyURL,
			Message:  fmt.Sprintf("authentication failed; ensure you can sign in to %s", c.webURL),
			Err:      cause,
		}
	}

	c.cfg.Metrics.IncAuthRedirects()
	c.log.Info("Redirecting to authentication", zap.String("target", target))
	if c.cfg.Navigator != nil {
		if nerr := c.cfg.Navigator.Navigate(target); nerr != nil {
			c.log.Warn("Navigation to authentication failed", zap.Error(nerr))
		}
	}
	return &fault.Error{
		Kind:     fault.AuthRequired,
		Op:       "ensure context",
		Endpoint: c.proxyURL,
		Message:  "authentication failed, redirecting to " + target,
		Err:      cause,
	}
}

func (c *Context) currentLocation() string {
	if c.cfg.Location == nil {
		return ""
	}
	return c.cfg.Location.Href()
}

func isAuthCallback(location string) bool {
	if location == "" {
		return false
	}
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return u.Query().Has(AuthCallbackParam)
}

// AuthRedirectURL builds the authentication URL for the current location.
// The location's fragment moves into the splauth query parameter of the
// source, and the source into the source parameter of the authentication
// URL, followed by the configured extra query.
func (c *Context) AuthRedirectURL() (string, error) {
	raw := c.cfg.Auth.SourceURL
	if raw == "" {
		raw = c.currentLocation()
	}
	source, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}

	fragment := ""
	if source.Fragment != "" {
		fragment = "#" + source.Fragment
	}
	sq := source.Query()
	sq.Set(AuthCallbackParam, fragment)
	source.RawQuery = sq.Encode()
	source.Fragment = ""
	source.RawFragment = ""

	auth, err := url.Parse(c.webURL)
	if err != nil {
		return "", err
	}
	auth.Path = c.cfg.Auth.EndpointPath
	auth.RawPath = ""
	q := auth.Query()
	q.Set("source", source.String())
	for k, values := range c.cfg.Auth.Query {
		for _, v := range values {
			q.Add(k, v)
		}
	}
	auth.RawQuery = q.Encode()
	return auth.String(), nil
}

// SiteRelativeURL returns target relative to the web. Relative targets are
// only cleaned; absolute targets on another host are returned unchanged.
func (c *Context) SiteRelativeURL(ctx context.Context, target string) (string, error) {
	if _, err := c.EnsureContext(ctx, true); err != nil {
		return "", err
	}

	t, err := url.Parse(target)
	if err != nil {
		return "", fault.Wrap(fault.Invalid, "site relative url", err)
	}
	if !t.IsAbs() {
		if t.Path != "" {
			t.Path = path.Clean(t.Path)
		}
		return t.String(), nil
	}

	base, _ := url.Parse(c.webURL)
	if !strings.EqualFold(t.Host, base.Host) || !strings.EqualFold(t.Scheme, base.Scheme) {
		return t.String(), nil
	}
	rel := &url.URL{
		Path:     relativePath(base.Path, t.Path),
		RawQuery: t.RawQuery,
		Fragment: t.Fragment,
	}
	return rel.String(), nil
}

// relativePath returns target relative to the directory base.
func relativePath(base, target string) string {
	split := func(p string) []string {
		p = strings.Trim(path.Clean("/"+p), "/")
		if p == "" {
			return nil
		}
		return strings.Split(p, "/")
	}
	from, to := split(base), split(target)

	common := 0
	for common < len(from) && common < len(to) && from[common] == to[common] {
		common++
	}
	parts := make([]string, 0, len(from)-common+len(to)-common)
	for range from[common:] {
		parts = append(parts, "..")
	}
	parts = append(parts, to[common:]...)
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}

// resolve joins a server-relative path onto the origin of base.
func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// joinWeb joins a web-relative path onto the web URL. A leading slash is
// still relative to the web.
func joinWeb(web, ref string) (string, error) {
	b, err := url.Parse(web)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	b.Path = strings.TrimRight(b.Path, "/") + "/" + strings.TrimLeft(r.Path, "/")
	b.RawPath = ""
	b.RawQuery = r.RawQuery
	return b.String(), nil
}

// absolute resolves a fetch target against the web, treating the web URL as
// a directory so "_api/web" stays under it and "/x" is server-relative.
func absolute(web, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(web)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
		b.RawPath = ""
	}
	return b.ResolveReference(r).String(), nil
}
