package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	log "github.com/dify2openai/difybridge/internal/logging"
)

// PostgresBackend persists usage records to PostgreSQL via pgx.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	records       chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	model TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	streamed BOOLEAN NOT NULL DEFAULT FALSE,
	failed BOOLEAN NOT NULL DEFAULT FALSE,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	requested_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON usage_records(requested_at);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
CREATE INDEX IF NOT EXISTS idx_usage_owner ON usage_records(owner);
`

// NewPostgresBackend connects, verifies, and prepares the schema. The
// backend must be started with Start() before use.
func NewPostgresBackend(dsn string, cfg Config) (*PostgresBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &PostgresBackend{
		pool:          pool,
		records:       make(chan Record, defaultQueueSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopCh:        make(chan struct{}),
		batchSize:     cfg.BatchSize,
		retentionDays: cfg.RetentionDays,
	}, nil
}

func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		b.pool.Close()
	})
	return nil
}

func (b *PostgresBackend) Enqueue(record Record) {
	if b == nil {
		return
	}
	select {
	case b.records <- record:
	default:
		log.Warnf("usage queue full, dropping record for %s", record.Model)
	}
}

func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	batch := make([]Record, 0, b.batchSize)
	for {
		select {
		case record := <-b.records:
			batch = append(batch, record)
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

func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*GlobalStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE requested_at >= $1
	`, since)

	var stats GlobalStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("query global stats: %w", err)
	}
	return &stats, nil
}

func (b *PostgresBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			model,
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE requested_at >= $1
		GROUP BY model
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query model stats: %w", err)
	}
	defer rows.Close()

	var results []ModelStats
	for rows.Next() {
		var ms ModelStats
		if err := rows.Scan(
			&ms.Model, &ms.Requests, &ms.SuccessCount, &ms.FailureCount,
			&ms.PromptTokens, &ms.CompletionTokens, &ms.TotalTokens,
		); err != nil {
			return nil, err
		}
		results = append(results, ms)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			TO_CHAR(requested_at, 'YYYY-MM-DD'),
			COUNT(*),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE requested_at >= $1
		GROUP BY 1
		ORDER BY 1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM usage_records WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]Record, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			log.Errorf("write usage batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.records:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopCh:
			for {
				select {
				case record := <-b.records:
					batch = append(batch, record)
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

func (b *PostgresBackend) writeBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	pgxBatch := &pgx.Batch{}
	for _, r := range records {
		pgxBatch.Queue(`
			INSERT INTO usage_records (
				model, owner, endpoint, streamed, failed,
				prompt_tokens, completion_tokens, total_tokens, requested_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.Model, r.Owner, r.Endpoint, r.Streamed, r.Failed,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.RequestedAt)
	}

	results := b.pool.SendBatch(ctx, pgxBatch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := b.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				log.Errorf("cleanup usage records: %v", err)
			} else if deleted > 0 {
				log.Infof("removed %d usage records older than %d days", deleted, b.retentionDays)
			}
		case <-b.stopCh:
			return
		}
	}
}
