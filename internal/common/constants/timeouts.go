// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for orchestrator operations not already covered by a task's own
// timeout_seconds field.
const (
	// RPCRequestTimeout is the deadline of the context rpc.ServeRPC hands
	// to each JSON-RPC call. ServeRPC does not abandon a call that ignores
	// that context; it waits for the call to return.
	RPCRequestTimeout = 30 * time.Second

	// AcquireRetryBudget bounds how long next_for's bounded CAS-retry loop
	// (spec.md §4.3) may spend across all its attempts in a single call.
	AcquireRetryBudget = 2 * time.Second

	// ShutdownGrace is how long cmd/orchestrator waits for the HTTP server
	// to finish in-flight requests after a shutdown signal before the
	// process exits anyway. Running executor strategies are not waited
	// for: they are cancelled when the shutdown signal arrives.
	ShutdownGrace = 10 * time.Second

	// SchedulerDrainTimeout bounds how long the scheduler's sweep loop
	// waits to finish its current pass after Stop is called.
	SchedulerDrainTimeout = 5 * time.Second
)
