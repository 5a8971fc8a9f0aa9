// Package launcher spawns child processes and reports their lifecycle.
//
// A Launcher starts a child asynchronously and tells its Client exactly one
// of OnProcessLaunched or OnProcessLaunchFailed, posted to the control loop.
// Termination is classified on request through Process.TerminationStatus.
package launcher
