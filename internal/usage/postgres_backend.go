package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/nghyane/llm-rotor/internal/logging"
)

// PostgresBackend implements the Backend interface using PostgreSQL with pgx.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	eventChan     chan Event
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
	retentionDays int
}

// Postgres backend constants
const (
	pgDefaultBatchSize         = 100
	pgDefaultFlushInterval     = 5 * time.Second
	pgDefaultRetentionDays     = 30
	pgDefaultChannelBufferSize = 1000
)

// NewPostgresBackend creates a new PostgreSQL-backed event log.
// The backend must be started with Start() before use.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = pgDefaultBatchSize
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = pgDefaultFlushInterval
	}

	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = pgDefaultRetentionDays
	}

	return &PostgresBackend{
		pool:          pool,
		eventChan:     make(chan Event, pgDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retentionDays: retentionDays,
		cleanupTicker: time.NewTicker(24 * time.Hour),
	}, nil
}

// ensurePostgresSchema creates the request_events table and indexes if they
// don't exist.
func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_events (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		stable_id TEXT NOT NULL DEFAULT '',
		quota_group TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMPTZ NOT NULL,
		failed BOOLEAN NOT NULL DEFAULT FALSE,
		estimated BOOLEAN NOT NULL DEFAULT FALSE,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		thinking_tokens BIGINT NOT NULL DEFAULT 0,
		cache_read_tokens BIGINT NOT NULL DEFAULT 0,
		cache_write_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		approx_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_events_requested_at ON request_events(requested_at);
	CREATE INDEX IF NOT EXISTS idx_events_stable_id ON request_events(stable_id);
	CREATE INDEX IF NOT EXISTS idx_events_provider_model ON request_events(provider, model);
	`

	_, err := pool.Exec(ctx, schema)
	return err
}

// Start begins background workers (write loop, cleanup loop).
func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop gracefully shuts down the backend, flushing pending writes.
func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}

	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.pool != nil {
			b.pool.Close()
		}
	})

	return nil
}

// Enqueue adds an event to the write queue.
// This method is non-blocking and safe for high-throughput use.
func (b *PostgresBackend) Enqueue(ev Event) {
	if b == nil {
		return
	}
	select {
	case b.eventChan <- ev:
	default:
		log.Warnf("usage: event queue full, dropping record for %s/%s", ev.Provider, ev.Model)
	}
}

// Flush forces pending events to be written to storage.
func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}

	batch := make([]Event, 0, b.batchSize)
	for {
		select {
		case ev := <-b.eventChan:
			batch = append(batch, ev)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

// QueryGlobalStats returns aggregate statistics since the given time.
func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed = false THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = true THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(approx_cost), 0)
		FROM request_events
		WHERE requested_at >= $1
	`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.TotalTokens, &stats.ApproxCost); err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	return &stats, nil
}

// QueryDailyStats returns per-day statistics since the given time.
func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(DATE(requested_at)::TEXT, TO_CHAR(NOW(), 'YYYY-MM-DD')) as day,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM request_events
		WHERE requested_at >= $1
		GROUP BY DATE(requested_at)
		HAVING DATE(requested_at) IS NOT NULL
		ORDER BY day
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		if d.Day != "" {
			results = append(results, d)
		}
	}
	return results, rows.Err()
}

// QueryHourlyStats returns per-hour-of-day statistics since the given time.
func (b *PostgresBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			EXTRACT(HOUR FROM requested_at)::INTEGER as hour,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM request_events
		WHERE requested_at >= $1
		GROUP BY EXTRACT(HOUR FROM requested_at)
		ORDER BY hour
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}
	defer rows.Close()

	var results []HourlyStats
	for rows.Next() {
		var h HourlyStats
		if err := rows.Scan(&h.Hour, &h.Requests, &h.Tokens); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = false THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = true THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(thinking_tokens), 0) as thinking_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(approx_cost), 0) as approx_cost,
			COUNT(DISTINCT NULLIF(stable_id, '')) as credential_count,
			ARRAY_AGG(DISTINCT NULLIF(model, '')) FILTER (WHERE model != '') as models
		FROM request_events
		WHERE requested_at >= $1
		GROUP BY provider
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider stats: %w", err)
	}
	defer rows.Close()

	var results []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(
			&ps.Provider, &ps.Requests, &ps.SuccessCount, &ps.FailureCount,
			&ps.PromptTokens, &ps.CompletionTokens, &ps.ThinkingTokens, &ps.TotalTokens,
			&ps.ApproxCost, &ps.CredentialCount, &ps.Models,
		); err != nil {
			return nil, err
		}
		results = append(results, ps)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryCredentialStats(ctx context.Context, since time.Time) ([]CredentialStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COALESCE(NULLIF(stable_id, ''), 'unknown') as stable_id,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = false THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = true THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(thinking_tokens), 0) as thinking_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(approx_cost), 0) as approx_cost
		FROM request_events
		WHERE requested_at >= $1
		GROUP BY provider, stable_id
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query credential stats: %w", err)
	}
	defer rows.Close()

	var results []CredentialStats
	for rows.Next() {
		var cs CredentialStats
		if err := rows.Scan(
			&cs.Provider, &cs.StableID, &cs.Requests, &cs.SuccessCount, &cs.FailureCount,
			&cs.PromptTokens, &cs.CompletionTokens, &cs.ThinkingTokens, &cs.TotalTokens,
			&cs.ApproxCost,
		); err != nil {
			return nil, err
		}
		results = append(results, cs)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown') as model,
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = false THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = true THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(thinking_tokens), 0) as thinking_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(approx_cost), 0) as approx_cost
		FROM request_events
		WHERE requested_at >= $1
		GROUP BY model, provider
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query model stats: %w", err)
	}
	defer rows.Close()

	var results []ModelStats
	for rows.Next() {
		var ms ModelStats
		if err := rows.Scan(
			&ms.Model, &ms.Provider, &ms.Requests, &ms.SuccessCount, &ms.FailureCount,
			&ms.PromptTokens, &ms.CompletionTokens, &ms.ThinkingTokens, &ms.TotalTokens,
			&ms.ApproxCost,
		); err != nil {
			return nil, err
		}
		results = append(results, ms)
	}
	return results, rows.Err()
}

// Cleanup removes events older than the given time.
func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.pool.Exec(ctx, `
		DELETE FROM request_events WHERE requested_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// writeLoop continuously reads from the event channel and writes in batches.
func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]Event, 0, b.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			log.Errorf("usage: failed to write event batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-b.eventChan:
			batch = append(batch, ev)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			// Drain remaining events
			for {
				select {
				case ev := <-b.eventChan:
					batch = append(batch, ev)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch writes a batch of events using CopyFrom for high throughput.
func (b *PostgresBackend) writeBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	columns := []string{
		"provider", "model", "stable_id", "quota_group",
		"requested_at", "failed", "estimated",
		"prompt_tokens", "completion_tokens", "thinking_tokens",
		"cache_read_tokens", "cache_write_tokens", "total_tokens", "approx_cost",
	}

	_, err := b.pool.CopyFrom(
		ctx,
		pgx.Identifier{"request_events"},
		columns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			ev := events[i]
			return []any{
				ev.Provider,
				ev.Model,
				ev.StableID,
				ev.Group,
				ev.RequestedAt,
				ev.Failed,
				ev.Estimated,
				ev.PromptTokens,
				ev.CompletionTokens,
				ev.ThinkingTokens,
				ev.CacheReadTokens,
				ev.CacheWriteTokens,
				ev.TotalTokens,
				ev.ApproxCost,
			}, nil
		}),
	)

	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}

	return nil
}

// cleanupLoop periodically removes old events based on retention policy.
func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.cleanupTicker.C:
			cutoffTime := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
			rowsDeleted, err := b.Cleanup(ctx, cutoffTime)
			cancel()
			if err != nil {
				log.Errorf("usage: failed to cleanup old events: %v", err)
			} else if rowsDeleted > 0 {
				log.Infof("usage: cleaned up %d events older than %d days", rowsDeleted, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}
