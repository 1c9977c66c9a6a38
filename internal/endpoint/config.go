package endpoint

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/logging"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/SPLookout/internal/sandbox"
)

// RejectionMessage is the message of every invalidorigin reply.
const RejectionMessage = "The specified origin is not trusted by the HostWebProxy"

// Config configures an Endpoint.
type Config struct {
	// URL is reported back to rejected callers.
	URL string
	// TrustedOrigins are glob patterns such as "https://*.contoso.com".
	TrustedOrigins []string
	Fetch          FetchConfig
	Sandbox        sandbox.Config
	// Workers bounds concurrent sandbox runs.
	Workers int
	// EvalTimeout bounds Eval and host command calls.
	EvalTimeout time.Duration
	// Fetcher overrides the HTTP fetcher built from Fetch.
	Fetcher sandbox.Fetcher
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	// Tracer records a span per command when set.
	Tracer *tracing.Tracer
}

// FetchConfig configures the HTTP fetcher that performs Fetch requests with
// the endpoint's ambient credentials.
type FetchConfig struct {
	// BaseURL resolves relative fetch URLs.
	BaseURL   string
	Timeout   time.Duration
	Retries   int
	UserAgent string
	// Headers are sent with every credentialed request.
	Headers map[string]string
	Breaker resilience.Settings
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		TrustedOrigins: []string{"http://localhost", "http://localhost:*"},
		Fetch: FetchConfig{
			Timeout:   30 * time.Second,
			Retries:   2,
			UserAgent: "SPLookout-HostProxy/1.0",
		},
		Sandbox:     sandbox.DefaultConfig(),
		Workers:     4,
		EvalTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TrustedOrigins == nil {
		c.TrustedOrigins = def.TrustedOrigins
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = def.Fetch.Timeout
	}
	if c.Fetch.Retries < 0 {
		c.Fetch.Retries = 0
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = def.Fetch.UserAgent
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = def.EvalTimeout
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.Sandbox.Logger == nil {
		c.Sandbox.Logger = c.Logger.Named("sandbox")
	}
	if c.Sandbox.Metrics == nil {
		c.Sandbox.Metrics = c.Metrics
	}
	return c
}
