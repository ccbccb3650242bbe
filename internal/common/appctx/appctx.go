// Package appctx provides context utilities for orchestrator operations that
// must outlive the request that triggered them — an executor strategy keeps
// running after the JSON-RPC handler that launched it has already returned.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that is not cancelled by parent, bounded instead
// by timeout and by stopCh (closed on process shutdown). Used by
// executor.Registry.Execute so an in-flight task survives the request that
// triggered its execution.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
