/*
Package endpoint implements the trusted side of the host proxy.

An Endpoint serves proxy.ServerConns, from websocket upgrades or in-process
pipes. The first Ping decides whether the connection is trusted: its origin,
and the origin the transport declared if any, must match a trusted pattern.
Untrusted callers get an invalidorigin reply carrying
{invalidOrigin, url}.

# Commands

  - Fetch runs through HTTPFetcher with the endpoint's cookie jar and
    credential headers. Response headers come back lower-cased, the body
    as transferred bytes.
  - Eval and SetCommand share one persistent goja runtime.
  - SetWorkerCommand stores code that Invoke runs in a fresh sandbox.
  - Run evaluates a module set through the sandbox pool and forwards
    progress replies.

# Usage

	ep, err := endpoint.New(endpoint.Config{
		URL:            "https://contoso.sharepoint.com/hostproxy",
		TrustedOrigins: []string{"https://*.contoso.com"},
	})
	if err != nil {
		return err
	}
	defer ep.Close()

	go ep.Serve(ctx, proxy.Accept(ws, r.Header.Get("Origin"), 0))
*/
package endpoint
