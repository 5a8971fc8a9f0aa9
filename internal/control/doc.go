// Package control implements the control context of the process host.
//
// Every ProcessHost, the Registry, site maps, endpoint tables and buffer
// caches are mutated only from tasks run by a single Loop. Other goroutines
// (channel readers, launcher waiters, timers) never touch that state; they
// Post a Task and return.
//
// Queue semantics:
//   - Post never blocks and never drops while the loop is open
//   - Tasks run in post order, one at a time
//   - A panicking task is logged and the loop keeps going
//
// Usage:
//
//	loop := control.NewLoop(logger)
//	go loop.Run(ctx)
//	loop.Post(func() { host.Init() })
//
// Tests that do not want a goroutine can drive the loop with RunUntilIdle.
package control
