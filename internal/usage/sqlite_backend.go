package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/nghyane/llm-rotor/internal/logging"
	_ "modernc.org/sqlite"
)

// SQLiteBackend implements the Backend interface using SQLite.
type SQLiteBackend struct {
	db            *sql.DB
	eventChan     chan Event
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
	retentionDays int
	dbPath        string
}

// SQLite backend constants
const (
	sqliteDefaultBatchSize         = 100
	sqliteDefaultFlushInterval     = 5 * time.Second
	sqliteDefaultRetentionDays     = 30
	sqliteDefaultChannelBufferSize = 1000
)

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		stable_id TEXT NOT NULL DEFAULT '',
		quota_group TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		failed BOOLEAN NOT NULL DEFAULT 0,
		estimated BOOLEAN NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		thinking_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		approx_cost REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_requested_at ON request_events(requested_at);
	CREATE INDEX IF NOT EXISTS idx_events_stable_id ON request_events(stable_id);
	CREATE INDEX IF NOT EXISTS idx_events_provider_model ON request_events(provider, model);
	`

	_, err := db.Exec(schema)
	return err
}

// NewSQLiteBackend creates a new SQLite-backed event log.
// The backend must be started with Start() before use.
func NewSQLiteBackend(dbPath string, cfg BackendConfig) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("SQLite path is required")
	}

	// Expand ~ to home directory
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	// Ensure parent directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with WAL mode
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = sqliteDefaultBatchSize
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = sqliteDefaultFlushInterval
	}

	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = sqliteDefaultRetentionDays
	}

	return &SQLiteBackend{
		db:            db,
		eventChan:     make(chan Event, sqliteDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retentionDays: retentionDays,
		cleanupTicker: time.NewTicker(24 * time.Hour), // Cleanup daily
		dbPath:        dbPath,
	}, nil
}

// Start begins background workers (write loop, cleanup loop).
func (b *SQLiteBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop gracefully shuts down the backend, flushing pending writes.
func (b *SQLiteBackend) Stop() error {
	if b == nil {
		return nil
	}

	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.db != nil {
			err = b.db.Close()
		}
	})

	return err
}

// Enqueue adds an event to the write queue.
// This method is non-blocking and safe for high-throughput use.
func (b *SQLiteBackend) Enqueue(ev Event) {
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
func (b *SQLiteBackend) Flush(ctx context.Context) error {
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
func (b *SQLiteBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(approx_cost), 0)
		FROM request_events
		WHERE requested_at >= ?
	`, since)

	var stats AggregatedStats
	var success, failure sql.NullInt64
	if err := row.Scan(&stats.TotalRequests, &success, &failure, &stats.TotalTokens, &stats.ApproxCost); err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	stats.SuccessCount = success.Int64
	stats.FailureCount = failure.Int64
	return &stats, nil
}

// QueryDailyStats returns per-day statistics since the given time.
func (b *SQLiteBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(DATE(requested_at), DATE('now')) as day,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM request_events
		WHERE requested_at >= ?
		GROUP BY DATE(requested_at)
		HAVING day IS NOT NULL
		ORDER BY day
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		var dayStr sql.NullString
		if err := rows.Scan(&dayStr, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		if dayStr.Valid && dayStr.String != "" {
			d.Day = dayStr.String
			results = append(results, d)
		}
	}
	return results, rows.Err()
}

// QueryHourlyStats returns per-hour-of-day statistics since the given time.
func (b *SQLiteBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			CAST(strftime('%H', requested_at) AS INTEGER) as hour,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM request_events
		WHERE requested_at >= ?
		GROUP BY hour
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

func (b *SQLiteBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(thinking_tokens), 0) as thinking_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(approx_cost), 0) as approx_cost,
			COUNT(DISTINCT NULLIF(stable_id, '')) as credential_count,
			GROUP_CONCAT(DISTINCT NULLIF(model, '')) as models
		FROM request_events
		WHERE requested_at >= ?
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
		var modelsStr sql.NullString
		if err := rows.Scan(
			&ps.Provider, &ps.Requests, &ps.SuccessCount, &ps.FailureCount,
			&ps.PromptTokens, &ps.CompletionTokens, &ps.ThinkingTokens, &ps.TotalTokens,
			&ps.ApproxCost, &ps.CredentialCount, &modelsStr,
		); err != nil {
			return nil, err
		}
		if modelsStr.Valid && modelsStr.String != "" {
			ps.Models = strings.Split(modelsStr.String, ",")
		}
		results = append(results, ps)
	}
	return results, rows.Err()
}

func (b *SQLiteBackend) QueryCredentialStats(ctx context.Context, since time.Time) ([]CredentialStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COALESCE(NULLIF(stable_id, ''), 'unknown') as stable_id,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(thinking_tokens), 0) as thinking_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(approx_cost), 0) as approx_cost
		FROM request_events
		WHERE requested_at >= ?
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

func (b *SQLiteBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown') as model,
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(thinking_tokens), 0) as thinking_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(approx_cost), 0) as approx_cost
		FROM request_events
		WHERE requested_at >= ?
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
func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.db.ExecContext(ctx, `
		DELETE FROM request_events WHERE requested_at < ?
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DBPath returns the filesystem path to the SQLite database.
func (b *SQLiteBackend) DBPath() string {
	if b == nil {
		return ""
	}
	return b.dbPath
}

// writeLoop continuously reads from the event channel and writes in batches.
func (b *SQLiteBackend) writeLoop() {
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

// writeBatch writes a batch of events in a single transaction.
func (b *SQLiteBackend) writeBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_events (
			provider, model, stable_id, quota_group,
			requested_at, failed, estimated,
			prompt_tokens, completion_tokens, thinking_tokens,
			cache_read_tokens, cache_write_tokens, total_tokens, approx_cost
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
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
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// cleanupLoop periodically removes old events based on retention policy.
func (b *SQLiteBackend) cleanupLoop() {
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
