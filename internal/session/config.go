package session

import (
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/SPLookout/internal/proxy"
)

// Defaults for Config fields left empty.
const (
	DefaultProxyPath       = "/hostproxy"
	DefaultContextInfoPath = "/_api/contextinfo"
	DefaultAuthPath        = "/_layouts/15/authenticate.aspx"

	// AuthCallbackParam marks a location the authentication page redirected
	// back to. It carries the fragment of the original location.
	AuthCallbackParam = "splauth"
	// TokenHeader carries the request-verification token.
	TokenHeader = "X-RequestDigest"
)

// AuthConfig describes where to send the user when the endpoint does not answer.
type AuthConfig struct {
	// EndpointPath replaces the web URL's path to form the authentication URL.
	EndpointPath string
	// SourceURL is where authentication returns to. Defaults to the current location.
	SourceURL string
	// Query is appended to the authentication URL.
	Query url.Values
}

// Location reports the caller's current location.
type Location interface {
	Href() string
}

// LocationFunc adapts a function to Location.
type LocationFunc func() string

// Href calls f.
func (f LocationFunc) Href() string { return f() }

// Navigator sends the top-level frame somewhere else.
type Navigator interface {
	Navigate(target string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(target string) error

// Navigate calls f.
func (f NavigatorFunc) Navigate(target string) error { return f(target) }

// Config configures a Context. Zero values take the package defaults.
type Config struct {
	// ProxyPath is the server-relative path of the trusted endpoint.
	ProxyPath string
	// ContextInfoPath is the web-relative path that issues tokens.
	ContextInfoPath string
	Auth            AuthConfig
	DefaultHeaders  map[string]string
	Proxy           proxy.Config
	// Registry caches channels. Defaults to the process-wide registry.
	Registry  *proxy.Registry
	Location  Location
	Navigator Navigator
	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
}

// DefaultConfig returns the configuration used for empty fields.
func DefaultConfig() Config {
	return Config{
		ProxyPath:       DefaultProxyPath,
		ContextInfoPath: DefaultContextInfoPath,
		Auth:            AuthConfig{EndpointPath: DefaultAuthPath},
		DefaultHeaders: map[string]string{
			"Accept":       "application/json;odata=verbose",
			"Content-Type": "application/json;odata=verbose",
		},
		Proxy: proxy.DefaultConfig(),
		Now:   time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ProxyPath == "" {
		c.ProxyPath = def.ProxyPath
	}
	if c.ContextInfoPath == "" {
		c.ContextInfoPath = def.ContextInfoPath
	}
	if c.Auth.EndpointPath == "" {
		c.Auth.EndpointPath = def.Auth.EndpointPath
	}
	if c.DefaultHeaders == nil {
		c.DefaultHeaders = def.DefaultHeaders
	}
	if c.Registry == nil {
		c.Registry = proxy.DefaultRegistry()
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Proxy.Logger == nil {
		c.Proxy.Logger = c.Logger
	}
	if c.Proxy.Metrics == nil {
		c.Proxy.Metrics = c.Metrics
	}
	return c
}
