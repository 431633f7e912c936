package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"knowbase/internal/config"
	"knowbase/pkg/types"
)

// PostgresStore implements Store on top of Postgres. Embeddings are kept
// as float8 arrays alongside the rows they belong to; similarity scans
// load a tenant's vectors and score in process.
type PostgresStore struct {
	db          *sql.DB
	autoMigrate bool
}

// NewPostgresStore opens the database from configuration, optionally
// creating the target database and applying the schema.
func NewPostgresStore(cfg config.SQLConfig) (*PostgresStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	store := &PostgresStore{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ReplaceChunks swaps a source's chunk set inside one transaction so
// readers never observe a half-replaced source.
func (s *PostgresStore) ReplaceChunks(ctx context.Context, chatbotID, sourceURL string, chunks []types.KnowledgeChunk) error {
	err := s.replaceChunks(ctx, chatbotID, sourceURL, chunks)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		err = s.replaceChunks(ctx, chatbotID, sourceURL, chunks)
	}
	if err != nil {
		return fmt.Errorf("replace chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) replaceChunks(ctx context.Context, chatbotID, sourceURL string, chunks []types.KnowledgeChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM knowledge_chunks WHERE chatbot_id = $1 AND source_url = $2`,
		chatbotID, sourceURL,
	); err != nil {
		return err
	}

	const insert = `
        INSERT INTO knowledge_chunks
            (id, chatbot_id, source_type, source_url, source_title, chunk_text,
             chunk_index, content_hash, embedding, metadata, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (chatbot_id, content_hash) DO NOTHING
    `
	for _, chunk := range chunks {
		metadata, err := encodeMetadata(chunk.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert,
			chunk.ID,
			chunk.ChatbotID,
			string(chunk.SourceType),
			chunk.SourceURL,
			chunk.SourceTitle,
			chunk.ChunkText,
			chunk.ChunkIndex,
			chunk.ContentHash,
			embeddingParam(chunk.Embedding),
			metadata,
			chunk.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ChunksByChatbot loads every chunk for a tenant, ordered by source and
// chunk index so retrieval fallbacks see content in document order.
func (s *PostgresStore) ChunksByChatbot(ctx context.Context, chatbotID string) ([]types.KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, chatbot_id, source_type, source_url, source_title, chunk_text,
               chunk_index, content_hash, embedding, metadata, created_at
        FROM knowledge_chunks
        WHERE chatbot_id = $1
        ORDER BY source_url, chunk_index
    `, chatbotID)
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []types.KnowledgeChunk
	for rows.Next() {
		var (
			chunk      types.KnowledgeChunk
			sourceType string
			embedding  pq.Float64Array
			metadata   []byte
		)
		if err := rows.Scan(
			&chunk.ID, &chunk.ChatbotID, &sourceType, &chunk.SourceURL,
			&chunk.SourceTitle, &chunk.ChunkText, &chunk.ChunkIndex,
			&chunk.ContentHash, &embedding, &metadata, &chunk.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunk.SourceType = types.SourceType(sourceType)
		chunk.Embedding = []float64(embedding)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk metadata: %w", err)
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// CountChunks reports a tenant's chunk count.
func (s *PostgresStore) CountChunks(ctx context.Context, chatbotID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE chatbot_id = $1`, chatbotID,
	).Scan(&count)
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// GetMetadata returns the change detection row for a URL, nil when absent.
func (s *PostgresStore) GetMetadata(ctx context.Context, chatbotID, pageURL string) (*types.CrawlMetadata, error) {
	var meta types.CrawlMetadata
	err := s.db.QueryRowContext(ctx, `
        SELECT chatbot_id, url, content_hash, last_crawled_at, last_modified, etag
        FROM crawl_metadata
        WHERE chatbot_id = $1 AND url = $2
    `, chatbotID, pageURL).Scan(
		&meta.ChatbotID, &meta.URL, &meta.ContentHash,
		&meta.LastCrawledAt, &meta.LastModified, &meta.ETag,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query crawl metadata: %w", err)
	}
	return &meta, nil
}

// PutMetadata upserts the change detection row for (chatbot, url).
func (s *PostgresStore) PutMetadata(ctx context.Context, meta types.CrawlMetadata) error {
	err := s.execWithSchemaRetry(ctx, `
        INSERT INTO crawl_metadata (chatbot_id, url, content_hash, last_crawled_at, last_modified, etag)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (chatbot_id, url) DO UPDATE SET
            content_hash = EXCLUDED.content_hash,
            last_crawled_at = EXCLUDED.last_crawled_at,
            last_modified = EXCLUDED.last_modified,
            etag = EXCLUDED.etag
    `, meta.ChatbotID, meta.URL, meta.ContentHash, meta.LastCrawledAt, meta.LastModified, meta.ETag)
	if err != nil {
		return fmt.Errorf("upsert crawl metadata: %w", err)
	}
	return nil
}

// GetCachedAnswer returns the cache entry with the exact question hash,
// nil when absent.
func (s *PostgresStore) GetCachedAnswer(ctx context.Context, chatbotID, questionHash string) (*types.AnswerCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT chatbot_id, question, question_hash, embedding, answer,
               suggested_questions, hit_count, last_used_at, created_at
        FROM answer_cache
        WHERE chatbot_id = $1 AND question_hash = $2
    `, chatbotID, questionHash)
	entry, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query answer cache: %w", err)
	}
	return entry, nil
}

// ListCachedAnswers loads a tenant's cache entries for semantic scans.
func (s *PostgresStore) ListCachedAnswers(ctx context.Context, chatbotID string) ([]types.AnswerCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT chatbot_id, question, question_hash, embedding, answer,
               suggested_questions, hit_count, last_used_at, created_at
        FROM answer_cache
        WHERE chatbot_id = $1
    `, chatbotID)
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query answer cache: %w", err)
	}
	defer rows.Close()

	var entries []types.AnswerCacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer cache: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// PutCachedAnswer upserts an entry keyed by (chatbot_id, question_hash).
func (s *PostgresStore) PutCachedAnswer(ctx context.Context, entry types.AnswerCacheEntry) error {
	err := s.execWithSchemaRetry(ctx, `
        INSERT INTO answer_cache
            (chatbot_id, question, question_hash, embedding, answer,
             suggested_questions, hit_count, last_used_at, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (chatbot_id, question_hash) DO UPDATE SET
            question = EXCLUDED.question,
            embedding = EXCLUDED.embedding,
            answer = EXCLUDED.answer,
            suggested_questions = EXCLUDED.suggested_questions,
            last_used_at = EXCLUDED.last_used_at
    `, entry.ChatbotID, entry.Question, entry.QuestionHash,
		embeddingParam(entry.Embedding), entry.Answer,
		pq.Array(entry.SuggestedQuestions), entry.HitCount,
		entry.LastUsedAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert answer cache: %w", err)
	}
	return nil
}

// RecordCacheHit bumps the hit counter; missing rows are a no-op.
func (s *PostgresStore) RecordCacheHit(ctx context.Context, chatbotID, questionHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE answer_cache
        SET hit_count = hit_count + 1, last_used_at = $3
        WHERE chatbot_id = $1 AND question_hash = $2
    `, chatbotID, questionHash, at)
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil
		}
		return fmt.Errorf("record cache hit: %w", err)
	}
	return nil
}

// ClearCache drops every cached answer for a tenant. Overrides survive.
func (s *PostgresStore) ClearCache(ctx context.Context, chatbotID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM answer_cache WHERE chatbot_id = $1`, chatbotID)
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil
		}
		return fmt.Errorf("clear answer cache: %w", err)
	}
	return nil
}

// GetOverride returns the manual override with the exact question hash,
// nil when absent.
func (s *PostgresStore) GetOverride(ctx context.Context, chatbotID, questionHash string) (*types.ManualOverride, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT chatbot_id, question, question_hash, embedding,
               manual_answer, original_answer, created_by,
               hit_count, last_used_at, created_at
        FROM manual_overrides
        WHERE chatbot_id = $1 AND question_hash = $2
    `, chatbotID, questionHash)
	override, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query manual override: %w", err)
	}
	return override, nil
}

// ListOverrides loads a tenant's overrides for semantic scans.
func (s *PostgresStore) ListOverrides(ctx context.Context, chatbotID string) ([]types.ManualOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT chatbot_id, question, question_hash, embedding,
               manual_answer, original_answer, created_by,
               hit_count, last_used_at, created_at
        FROM manual_overrides
        WHERE chatbot_id = $1
    `, chatbotID)
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query manual overrides: %w", err)
	}
	defer rows.Close()

	var overrides []types.ManualOverride
	for rows.Next() {
		override, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manual override: %w", err)
		}
		overrides = append(overrides, *override)
	}
	return overrides, rows.Err()
}

// PutOverride upserts a manual override keyed by (chatbot_id, question_hash).
func (s *PostgresStore) PutOverride(ctx context.Context, override types.ManualOverride) error {
	err := s.execWithSchemaRetry(ctx, `
        INSERT INTO manual_overrides
            (chatbot_id, question, question_hash, embedding,
             manual_answer, original_answer, created_by,
             last_used_at, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (chatbot_id, question_hash) DO UPDATE SET
            question = EXCLUDED.question,
            embedding = EXCLUDED.embedding,
            manual_answer = EXCLUDED.manual_answer,
            original_answer = EXCLUDED.original_answer,
            created_by = EXCLUDED.created_by
    `, override.ChatbotID, override.Question, override.QuestionHash,
		embeddingParam(override.Embedding), override.ManualAnswer,
		override.OriginalAnswer, override.CreatedBy,
		override.LastUsedAt, override.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert manual override: %w", err)
	}
	return nil
}

// RecordOverrideHit bumps the hit counter; missing rows are a no-op.
func (s *PostgresStore) RecordOverrideHit(ctx context.Context, chatbotID, questionHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE manual_overrides
        SET hit_count = hit_count + 1, last_used_at = $3
        WHERE chatbot_id = $1 AND question_hash = $2
    `, chatbotID, questionHash, at)
	if err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			return nil
		}
		return fmt.Errorf("record override hit: %w", err)
	}
	return nil
}

func (s *PostgresStore) execWithSchemaRetry(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	return err
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
		    id TEXT PRIMARY KEY,
		    chatbot_id TEXT NOT NULL,
		    source_type TEXT NOT NULL,
		    source_url TEXT NOT NULL,
		    source_title TEXT NOT NULL DEFAULT '',
		    chunk_text TEXT NOT NULL,
		    chunk_index INT NOT NULL,
		    content_hash TEXT NOT NULL,
		    embedding FLOAT8[],
		    metadata JSONB,
		    created_at TIMESTAMPTZ NOT NULL,
		    UNIQUE (chatbot_id, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_chatbot ON knowledge_chunks (chatbot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON knowledge_chunks (chatbot_id, source_url)`,
		`CREATE TABLE IF NOT EXISTS crawl_metadata (
		    chatbot_id TEXT NOT NULL,
		    url TEXT NOT NULL,
		    content_hash TEXT NOT NULL,
		    last_crawled_at TIMESTAMPTZ NOT NULL,
		    last_modified TEXT NOT NULL DEFAULT '',
		    etag TEXT NOT NULL DEFAULT '',
		    PRIMARY KEY (chatbot_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS answer_cache (
		    chatbot_id TEXT NOT NULL,
		    question TEXT NOT NULL,
		    question_hash TEXT NOT NULL,
		    embedding FLOAT8[],
		    answer TEXT NOT NULL,
		    suggested_questions TEXT[],
		    hit_count BIGINT NOT NULL DEFAULT 0,
		    last_used_at TIMESTAMPTZ NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL,
		    PRIMARY KEY (chatbot_id, question_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS manual_overrides (
		    chatbot_id TEXT NOT NULL,
		    question TEXT NOT NULL,
		    question_hash TEXT NOT NULL,
		    embedding FLOAT8[],
		    manual_answer TEXT NOT NULL,
		    original_answer TEXT NOT NULL DEFAULT '',
		    created_by TEXT NOT NULL DEFAULT '',
		    hit_count BIGINT NOT NULL DEFAULT 0,
		    last_used_at TIMESTAMPTZ NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL,
		    PRIMARY KEY (chatbot_id, question_hash)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (*types.AnswerCacheEntry, error) {
	var (
		entry     types.AnswerCacheEntry
		embedding pq.Float64Array
		suggested pq.StringArray
	)
	if err := row.Scan(
		&entry.ChatbotID, &entry.Question, &entry.QuestionHash, &embedding,
		&entry.Answer, &suggested, &entry.HitCount, &entry.LastUsedAt, &entry.CreatedAt,
	); err != nil {
		return nil, err
	}
	entry.Embedding = []float64(embedding)
	entry.SuggestedQuestions = []string(suggested)
	return &entry, nil
}

func scanOverride(row rowScanner) (*types.ManualOverride, error) {
	var (
		override  types.ManualOverride
		embedding pq.Float64Array
	)
	if err := row.Scan(
		&override.ChatbotID, &override.Question, &override.QuestionHash, &embedding,
		&override.ManualAnswer, &override.OriginalAnswer, &override.CreatedBy,
		&override.HitCount, &override.LastUsedAt, &override.CreatedAt,
	); err != nil {
		return nil, err
	}
	override.Embedding = []float64(embedding)
	return &override, nil
}

// embeddingParam maps a missing vector to SQL NULL instead of an empty
// array, so lexical-only chunks are distinguishable in the database.
func embeddingParam(vec []float64) any {
	if len(vec) == 0 {
		return nil
	}
	return pq.Array(vec)
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode chunk metadata: %w", err)
	}
	return data, nil
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
