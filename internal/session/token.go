package session

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

// ContextInfo is the web information returned with a token. ValidUntil is
// derived locally from the token lifetime.
type ContextInfo struct {
	FormDigestValue          string    `json:"FormDigestValue"`
	FormDigestTimeoutSeconds int       `json:"FormDigestTimeoutSeconds"`
	WebFullURL               string    `json:"WebFullUrl"`
	SiteFullURL              string    `json:"SiteFullUrl"`
	LibraryVersion           string    `json:"LibraryVersion"`
	SupportedSchemaVersions  any       `json:"SupportedSchemaVersions,omitempty"`
	ValidUntil               time.Time `json:"-"`
}

// Token is the request-verification token.
func (i *ContextInfo) Token() string { return i.FormDigestValue }

type contextInfoEnvelope struct {
	D struct {
		GetContextWebInformation *ContextInfo `json:"GetContextWebInformation"`
	} `json:"d"`
}

// ContextInfo returns a copy of the current context information, or nil if
// no token has been obtained yet.
func (c *Context) ContextInfo() *ContextInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return nil
	}
	info := *c.info
	return &info
}

// InvalidateToken drops the cached token; the next operation refreshes it.
func (c *Context) InvalidateToken() {
	c.mu.Lock()
	c.info = nil
	c.mu.Unlock()
}

func (c *Context) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return ""
	}
	return c.info.FormDigestValue
}

func (c *Context) tokenValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info != nil && c.cfg.Now().Before(c.info.ValidUntil)
}

// refreshToken obtains a new token. Concurrent callers share one request.
func (c *Context) refreshToken(ctx context.Context, ch *proxy.Channel) error {
	resCh := c.refresh.DoChan("token", func() (any, error) {
		if c.tokenValid() {
			return nil, nil
		}
		info, err := c.fetchContextInfo(context.WithoutCancel(ctx), ch)
		if err != nil {
			c.cfg.Metrics.RecordTokenRefresh("error")
			c.log.Warn("Token refresh failed", zap.Error(err))
			return nil, err
		}
		c.mu.Lock()
		// Expiry never moves earlier short of InvalidateToken.
		if c.info != nil && info.ValidUntil.Before(c.info.ValidUntil) {
			info.ValidUntil = c.info.ValidUntil
		}
		c.info = info
		c.mu.Unlock()
		c.cfg.Metrics.RecordTokenRefresh("success")
		c.log.Debug("Token refreshed", zap.Time("valid_until", info.ValidUntil))
		return nil, nil
	})

	select {
	case res := <-resCh:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) fetchContextInfo(ctx context.Context, ch *proxy.Channel) (*ContextInfo, error) {
	target, err := joinWeb(c.webURL, c.cfg.ContextInfoPath)
	if err != nil {
		return nil, fault.Wrap(fault.Invalid, "context info", err)
	}

	reply, err := ch.Invoke(ctx, proxy.CommandFetch, proxy.FetchPayload{
		URL:         target,
		Method:      "POST",
		Headers:     c.headers(nil),
		Credentials: "same-origin",
		Cache:       "no-store",
	})
	if err != nil {
		return nil, err
	}

	if len(reply.Transfer) == 0 {
		return nil, fault.New(fault.BadResponse, "context info",
			"the context info request did not return a body").WithEndpoint(target)
	}
	contentType := reply.Header("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return nil, fault.New(fault.BadResponse, "context info",
			"unexpected content type from the context info endpoint").
			WithEndpoint(target).
			WithContentType(contentType)
	}

	var envelope contextInfoEnvelope
	if err := sonic.Unmarshal(reply.Transfer, &envelope); err != nil {
		return nil, fault.Wrap(fault.BadResponse, "context info", err).WithEndpoint(target)
	}
	info := envelope.D.GetContextWebInformation
	if info == nil {
		return nil, fault.New(fault.BadResponse, "context info",
			"the context info request succeeded but returned no context").WithEndpoint(target)
	}

	info.ValidUntil = c.cfg.Now().Add(time.Duration(info.FormDigestTimeoutSeconds) * time.Second)
	return info, nil
}
