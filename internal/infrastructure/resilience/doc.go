/*
Package resilience keeps failing child launches from turning into a respawn
storm.

# Overview

Breaker is a three-state circuit breaker driven by an explicit
Allow / Success / Failure protocol, since a launch is admitted in one
control-loop task and its outcome arrives in a later one. LaunchGuard keys
one breaker per browsing context and satisfies host.LaunchGuard.

# Usage

	guard := resilience.NewLaunchGuard(resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}, logger)
	registry := host.NewRegistry(host.Deps{Guard: guard, ...}, opts)

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
