/*
Package resilience provides circuit breakers for outbound calls.

# Overview

The trusted endpoint forwards fetch requests to arbitrary upstream hosts. A
host that keeps failing trips its breaker, and later requests to it fail
fast with ErrCircuitOpen until the open timeout passes.

# Usage

	group := resilience.NewGroup("fetch:", resilience.Settings{
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	resp, err := resilience.Call(ctx, group.Get(host), func(ctx context.Context) (*resty.Response, error) {
		return client.R().SetContext(ctx).Get(target)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open

Cancellation of the caller's context is not counted as a failure.
*/
package resilience
