// Package server exposes the process host registry over HTTP.
//
// Every handler that reads or changes host state runs its work on the
// control loop through Caller, so HTTP goroutines never touch a host
// directly. Routes:
//
//	GET  /health                   liveness and host count
//	GET  /hosts                    every registered host
//	GET  /hosts/:id                one host
//	POST /hosts/:id/fast-shutdown  FastShutdownIfPossible
//	POST /hosts/:id/cleanup        Cleanup
//	POST /hosts/:id/terminate      kill a hung child
//	POST /contexts/:name/sites     place a URL, reusing a host when policy allows
//	GET  /process-limit            soft process cap and live count
//	PUT  /process-limit            override the cap
//	GET  /launch-guard             suppressed launch keys
//	GET  /metrics                  Prometheus exposition
//	GET  /metrics/json             metric snapshot
//	GET  /events                   websocket stream of host lifecycle events
package server
