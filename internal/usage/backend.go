package usage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend is the persistence contract for the request-event log.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue adds an event to the write queue. Non-blocking; drops with a
	// warning when the queue is full.
	Enqueue(ev Event)

	// Flush forces pending events to be written to storage.
	Flush(ctx context.Context) error

	// QueryGlobalStats returns aggregate statistics since the given time.
	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)

	// QueryDailyStats returns per-day statistics since the given time.
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)

	// QueryHourlyStats returns per-hour-of-day statistics since the given time.
	QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error)

	// QueryProviderStats returns per-provider statistics since the given time.
	QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error)

	// QueryCredentialStats returns per-credential statistics since the given time.
	QueryCredentialStats(ctx context.Context, since time.Time) ([]CredentialStats, error)

	// QueryModelStats returns per-model statistics since the given time.
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)

	// Cleanup removes events older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start begins background workers (write loop, cleanup loop).
	Start() error

	// Stop gracefully shuts down the backend, flushing pending writes.
	Stop() error
}

// BackendConfig holds parameters for backend initialization.
type BackendConfig struct {
	// DSN is the database connection string (sqlite://... or postgres://...).
	DSN string

	// BatchSize is the number of events to batch before writing.
	BatchSize int

	// FlushInterval is how often to flush pending writes.
	FlushInterval time.Duration

	// RetentionDays is how many days of events to keep.
	RetentionDays int
}

type parsedDSN struct {
	backend string
	path    string // sqlite file path
	url     string // postgres connection URL
}

// parseDSN splits a DSN into its backend kind and connection target.
// sqlite://./data/events.db selects SQLite; postgres:// and postgresql://
// URLs pass through to pgx untouched.
func parseDSN(dsn string) (*parsedDSN, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return &parsedDSN{backend: "sqlite", path: strings.TrimPrefix(dsn, "sqlite://")}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return &parsedDSN{backend: "postgres", url: dsn}, nil
	default:
		return nil, fmt.Errorf("unsupported DSN scheme in %q (use sqlite:// or postgres://)", dsn)
	}
}

// NewBackend creates the appropriate backend based on DSN configuration.
func NewBackend(cfg BackendConfig) (Backend, error) {
	parsed, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("DSN is required (use sqlite:// or postgres://)")
	}

	switch parsed.backend {
	case "postgres":
		return NewPostgresBackend(parsed.url, cfg)
	case "sqlite":
		return NewSQLiteBackend(parsed.path, cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %q", parsed.backend)
	}
}
