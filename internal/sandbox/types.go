package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/monitoring"
)

// Outcome of a posted message
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeProgress = "progress"
)

// Config defines sandbox configuration
type Config struct {
	Timeout        time.Duration // Execution deadline, zero means none
	Origin         string        // Origin the sandbox believes it runs on
	MaxStackSize   int           // goja call stack limit
	EnableConsole  bool          // Capture console.* into the log
	Fetcher        Fetcher       // Host-proxied fetch, nil disables fetch()
	OnUncaught     func(error)   // Top-level failure handler
	Logger         *zap.Logger
	Metrics        *monitoring.Metrics
	OutboxCapacity int
}

// DefaultConfig returns the defaults used by the endpoint
func DefaultConfig() Config {
	return Config{
		Timeout:        60 * time.Second,
		Origin:         "http://localhost",
		MaxStackSize:   1024,
		EnableConsole:  true,
		OutboxCapacity: 16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Origin == "" {
		c.Origin = def.Origin
	}
	if c.MaxStackSize <= 0 {
		c.MaxStackSize = def.MaxStackSize
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = def.OutboxCapacity
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// StartMessage is the single message that starts an executor
type StartMessage struct {
	ModuleBootstrap   string          `json:"moduleBootstrap,omitempty"`
	ModuleDefinitions []string        `json:"moduleDefinitions"`
	EntryPointID      string          `json:"entryPointId"`
	ModuleConfig      json.RawMessage `json:"moduleConfig,omitempty"`
	TransferPath      string          `json:"transferPath,omitempty"`
}

// Message is posted by an executor to its outbox
type Message struct {
	Outcome   string                     `json:"outcome"`
	Data      json.RawMessage            `json:"data,omitempty"`
	Message   string                     `json:"message,omitempty"`
	ErrorType string                     `json:"errorType,omitempty"`
	Fields    map[string]json.RawMessage `json:"-"` // error reply fields: name, stack, context, extras
	Transfer  []byte                     `json:"-"`
}

// Terminal reports whether no further messages follow this one
func (m *Message) Terminal() bool {
	return m.Outcome != OutcomeProgress
}

// ErrorData is the plain object carried as data of an error reply
func (m *Message) ErrorData() json.RawMessage {
	if len(m.Fields) == 0 {
		return nil
	}
	data, err := sonic.Marshal(m.Fields)
	if err != nil {
		return nil
	}
	return data
}

// Field returns a string error field such as name or stack
func (m *Message) Field(name string) string {
	raw, ok := m.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := sonic.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, info, warn, error, debug
	Message string    // Log message
	Time    time.Time // Timestamp
}

// FetchRequest is a network request issued by sandboxed code
type FetchRequest struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Credentials string            `json:"credentials,omitempty"` // omit, same-origin or include
	Cache       string            `json:"cache,omitempty"`
	Body        []byte            `json:"-"`
}

// FetchResponse is what a Fetcher returns
type FetchResponse struct {
	URL        string // final URL after redirects, if known
	Status     int
	StatusText string
	Headers    map[string]string
	Body       []byte
}

// Fetcher performs network requests on behalf of sandboxed code
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, req FetchRequest) (*FetchResponse, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	return f(ctx, req)
}
