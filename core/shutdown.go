package core

import (
	"context"
)

// ShutdownFunc is the signature for cleanup handlers run during graceful shutdown.
// The context carries the shutdown deadline. Implementations must be safe to call
// more than once.
//
// Example:
//
//	var dbShutdown ShutdownFunc = func(ctx context.Context) error {
//	    return database.Close()
//	}
type ShutdownFunc func(ctx context.Context) error
