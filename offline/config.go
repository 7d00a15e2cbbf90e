package offline

import (
	"log/slog"
	"time"
)

// Config assembles a full engine: stores, client, processor, resolver,
// uploads, and the change-feed listener.
type Config struct {
	BaseURL   string
	AuthToken string
	DeviceID  string
	Timeout   time.Duration // per-request transport timeout

	StoreDir  string   // directory holding queue.db and cache.db
	MasterKey [32]byte // expanded into per-store subkeys, owned by the caller

	MaxPending    int           // queue backpressure bound
	MaxAttempts   int           // delivery attempts before a write stays failed
	Retry         RetryConfig   // backoff between attempts (zero uses defaults)
	DrainInterval time.Duration // periodic drain trigger (default: 1m)
	DispatchRate  float64       // deliveries per second, 0 = unlimited

	// PrecheckConflicts enables the client-side updated_at comparison before
	// updates and deletes. See APIConfig.
	PrecheckConflicts bool

	// MemoryCacheOnly swaps the disk cache for the volatile backend. Short
	// sessions and tests; queued writes remain durable either way.
	MemoryCacheOnly bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Minute
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
