package session

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

// FetchInit describes a request performed by the trusted endpoint.
type FetchInit struct {
	Method  string
	Headers map[string]string
	// Params are appended to the URL as a query string.
	Params url.Values
	// Body is []byte (sent as is), string (sent as UTF-8) or io.Reader
	// (drained before sending).
	Body        any
	Credentials string
	Cache       string
	// Timeout overrides the channel's default invocation timeout.
	Timeout time.Duration
}

// Response is the reply to a Fetch.
type Response struct {
	Status     int
	StatusText string
	OK         bool
	URL        string
	Headers    map[string]string
	// Body is the raw response body.
	Body []byte
	// Text is set for textual and JSON content types.
	Text string
	// JSON holds the decoded body for JSON content types.
	JSON any
	// Reply is the underlying envelope.
	Reply *proxy.Reply
}

// Header returns a response header by case-insensitive name.
func (r *Response) Header(name string) string {
	return r.Reply.Header(name)
}

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	return sonic.Unmarshal(r.Body, v)
}

// Fetch asks the trusted endpoint to perform a request with its ambient
// credentials. Relative URLs resolve under the web.
func (c *Context) Fetch(ctx context.Context, target string, init *FetchInit) (*Response, error) {
	if target == "" {
		return nil, fault.New(fault.Invalid, "fetch", "a fetch URL is required")
	}
	if init == nil {
		init = &FetchInit{}
	}

	ch, err := c.EnsureContext(ctx, true)
	if err != nil {
		return nil, err
	}

	resolved, err := absolute(c.webURL, target)
	if err != nil {
		return nil, fault.Wrap(fault.Invalid, "fetch", err)
	}
	resolved = withParams(resolved, init.Params)

	body, err := readBody(ctx, init.Body)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"url":         resolved,
		"method":      orDefault(strings.ToUpper(init.Method), "GET"),
		"headers":     c.headers(init.Headers),
		"credentials": orDefault(init.Credentials, "same-origin"),
		"cache":       orDefault(init.Cache, "no-store"),
	}
	var opts []proxy.InvokeOption
	if body != nil {
		payload[proxy.FetchBodyPath] = body
		opts = append(opts, proxy.WithTransfer(proxy.FetchBodyPath))
	}
	if init.Timeout > 0 {
		opts = append(opts, proxy.WithTimeout(init.Timeout))
	}

	reply, err := ch.Invoke(ctx, proxy.CommandFetch, payload, opts...)
	if err != nil {
		return nil, err
	}
	return decodeResponse(reply)
}

func decodeResponse(reply *proxy.Reply) (*Response, error) {
	var result proxy.FetchResult
	if err := reply.Decode(&result); err != nil {
		return nil, fault.Wrap(fault.BadResponse, "fetch", err)
	}
	resp := &Response{
		Status:     result.Status,
		StatusText: result.StatusText,
		OK:         result.OK,
		URL:        result.URL,
		Headers:    reply.Headers,
		Body:       reply.Transfer,
		Reply:      reply,
	}
	if len(resp.Body) == 0 {
		return resp, nil
	}

	contentType := strings.ToLower(reply.Header("Content-Type"))
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		resp.Text = string(resp.Body)
		if err := sonic.Unmarshal(resp.Body, &resp.JSON); err != nil {
			return nil, fault.Wrap(fault.BadResponse, "fetch", err).WithContentType(contentType)
		}
	case strings.HasPrefix(contentType, "text"):
		resp.Text = string(resp.Body)
	}
	return resp, nil
}

// headers merges request headers: caller over defaults over the token. The
// token is always present unless the caller or defaults name it.
func (c *Context) headers(caller map[string]string) map[string]string {
	merged := make(map[string]string, len(c.cfg.DefaultHeaders)+len(caller)+1)
	if token := c.token(); token != "" {
		merged[TokenHeader] = token
	}
	overlay(merged, c.cfg.DefaultHeaders)
	overlay(merged, caller)
	return merged
}

// overlay sets each of src in dst, replacing keys that differ only in case.
func overlay(dst, src map[string]string) {
	for k, v := range src {
		for existing := range dst {
			if existing != k && strings.EqualFold(existing, k) {
				delete(dst, existing)
			}
		}
		dst[k] = v
	}
}

// readBody normalises a request body to bytes. Byte slices pass through
// without copying; readers are drained on their own goroutine so ctx can
// abandon a slow source.
func readBody(ctx context.Context, body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		if b == "" {
			return nil, nil
		}
		if !utf8.ValidString(b) {
			return nil, fault.New(fault.Invalid, "fetch", "string body is not valid UTF-8")
		}
		return []byte(b), nil
	case io.Reader:
		type read struct {
			data []byte
			err  error
		}
		done := make(chan read, 1)
		go func() {
			data, err := io.ReadAll(b)
			done <- read{data, err}
		}()
		select {
		case r := <-done:
			if r.err != nil {
				return nil, fault.Wrap(fault.Invalid, "fetch", fmt.Errorf("read body: %w", r.err))
			}
			if r.data == nil {
				r.data = []byte{}
			}
			return r.data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return nil, fault.New(fault.Invalid, "fetch", fmt.Sprintf("unsupported body type %T", body))
	}
}

func withParams(target string, params url.Values) string {
	if len(params) == 0 {
		return target
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(target)
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	for _, k := range keys {
		for _, v := range params[k] {
			sb.WriteString(sep)
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
			sep = "&"
		}
	}
	return sb.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
