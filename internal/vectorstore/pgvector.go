package vectorstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/models"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGVectorOptions configure the relational store.
type PGVectorOptions struct {
	Table     string
	Dimension int
	Retry     RetryPolicy
}

// PGVectorStore keeps chunks in a PostgreSQL table with a pgvector column
// and ranks them with the cosine distance operator.
type PGVectorStore struct {
	db        *sql.DB
	table     string
	dimension int
	retry     RetryPolicy
	now       func() time.Time
	log       logger.Logger
}

func NewPGVectorStore(db *sql.DB, opts PGVectorOptions, log logger.Logger) (*PGVectorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pgvector store: database connection is required")
	}
	if opts.Table == "" {
		opts.Table = "context_chunks"
	}
	if !identifierPattern.MatchString(opts.Table) {
		return nil, fmt.Errorf("pgvector store: invalid table name %q", opts.Table)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("pgvector store: dimension must be positive")
	}

	return &PGVectorStore{
		db:        db,
		table:     opts.Table,
		dimension: opts.Dimension,
		retry:     opts.Retry,
		now:       time.Now,
		log:       logger.Component(log, "vectorstore.pgvector"),
	}, nil
}

func (s *PGVectorStore) Name() string { return "pgvector" }

// migrations returns the numbered schema steps for the chunk table.
func (s *PGVectorStore) migrations() map[int]string {
	return map[int]string{
		1: fmt.Sprintf(`
			CREATE EXTENSION IF NOT EXISTS vector;
			CREATE TABLE IF NOT EXISTS %[1]s (
				business_id  TEXT NOT NULL,
				id           TEXT NOT NULL,
				content      TEXT NOT NULL,
				embedding    vector(%[2]d) NOT NULL,
				source_agent TEXT NOT NULL DEFAULT '',
				category     TEXT NOT NULL DEFAULT '',
				confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
				tags         TEXT[] NOT NULL DEFAULT '{}',
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (business_id, id)
			);
			CREATE INDEX IF NOT EXISTS %[1]s_business_created_idx ON %[1]s (business_id, created_at DESC);`,
			s.table, s.dimension),
		2: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops);`, s.table),
	}
}

// Migrate applies pending schema migrations in version order, each in its
// own transaction, recording them in <table>_migrations.
func (s *PGVectorStore) Migrate(ctx context.Context) error {
	versionsTable := s.table + "_migrations"
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, versionsTable)); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", versionsTable)).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := s.migrations()
	versions := make([]int, 0, len(migrations))
	for v := range migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[version]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (version) VALUES ($1)", versionsTable), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.log.Info("vector schema migration applied", map[string]interface{}{"version": version, "table": s.table})
	}
	return nil
}

func (s *PGVectorStore) upsertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (business_id, id, content, embedding, source_agent, category, confidence, tags, created_at)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9)
		ON CONFLICT (business_id, id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			source_agent = EXCLUDED.source_agent,
			category = EXCLUDED.category,
			confidence = EXCLUDED.confidence,
			tags = EXCLUDED.tags,
			created_at = EXCLUDED.created_at`, s.table)
}

func (s *PGVectorStore) Upsert(ctx context.Context, chunks []models.ContextChunk) error {
	prepared, err := prepareChunks(chunks, s.dimension, s.now())
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	return withRetry(ctx, s.retry, s.log, s.Name(), "upsert", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classifyPGError(err)
		}
		stmt, err := tx.PrepareContext(ctx, s.upsertSQL())
		if err != nil {
			_ = tx.Rollback()
			return classifyPGError(err)
		}
		defer stmt.Close()

		for _, c := range prepared {
			tags := c.Metadata.Tags
			if tags == nil {
				tags = []string{}
			}
			if _, err := stmt.ExecContext(ctx,
				c.BusinessID, c.ID, c.Content, pgvector.NewVector(c.Embedding),
				c.Metadata.SourceAgent, c.Metadata.Category, c.Metadata.Confidence,
				pq.Array(tags), c.Metadata.CreatedAt,
			); err != nil {
				_ = tx.Rollback()
				return classifyPGError(err)
			}
		}
		return classifyPGError(tx.Commit())
	})
}

func (s *PGVectorStore) Query(ctx context.Context, businessID string, embedding []float32, topK int, filter Filter) ([]models.ContextChunk, error) {
	if err := checkQuery(businessID, embedding, s.dimension); err != nil {
		return nil, err
	}
	topK = ClampTopK(topK)

	args := []interface{}{businessID, pgvector.NewVector(embedding)}
	where := []string{"business_id = $1"}
	if len(filter.Categories) > 0 {
		args = append(args, pq.Array(filter.Categories))
		where = append(where, fmt.Sprintf("category = ANY($%d)", len(args)))
	}
	if len(filter.SourceAgents) > 0 {
		args = append(args, pq.Array(filter.SourceAgents))
		where = append(where, fmt.Sprintf("source_agent = ANY($%d)", len(args)))
	}
	if len(filter.Tags) > 0 {
		args = append(args, pq.Array(filter.Tags))
		where = append(where, fmt.Sprintf("tags && $%d", len(args)))
	}
	if filter.MinConfidence > 0 {
		args = append(args, filter.MinConfidence)
		where = append(where, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	args = append(args, topK)

	query := fmt.Sprintf(`SELECT id, business_id, content, source_agent, category, confidence, tags, created_at,
			1 - (embedding <=> $2::vector) AS similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $2::vector ASC, created_at DESC
		LIMIT $%d`, s.table, strings.Join(where, " AND "), len(args))

	var results []models.ContextChunk
	err := withRetry(ctx, s.retry, s.log, s.Name(), "query", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return classifyPGError(err)
		}
		defer rows.Close()

		results = results[:0]
		for rows.Next() {
			var (
				c    models.ContextChunk
				tags pq.StringArray
			)
			if err := rows.Scan(&c.ID, &c.BusinessID, &c.Content,
				&c.Metadata.SourceAgent, &c.Metadata.Category, &c.Metadata.Confidence,
				&tags, &c.Metadata.CreatedAt, &c.Similarity); err != nil {
				return classifyPGError(err)
			}
			c.Metadata.Tags = []string(tags)
			results = append(results, c)
		}
		return classifyPGError(rows.Err())
	})
	if err != nil {
		return nil, err
	}

	return ownedBy(businessID, results, topK), nil
}

func (s *PGVectorStore) Delete(ctx context.Context, businessID string, ids []string) error {
	if strings.TrimSpace(businessID) == "" {
		return errs.NewInvalidRequestError("businessId is required for deletes")
	}
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE business_id = $1 AND id = ANY($2)", s.table)
	return withRetry(ctx, s.retry, s.log, s.Name(), "delete", func() error {
		_, err := s.db.ExecContext(ctx, query, businessID, pq.Array(ids))
		return classifyPGError(err)
	})
}

func (s *PGVectorStore) Close() error { return nil }

// classifyPGError maps driver errors onto the retry taxonomy: connection
// and resource problems are transient, everything postgres rejects on its
// merits is not.
func classifyPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return errs.NewBackendUnavailableError("pgvector", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return errs.NewBackendUnavailableError("pgvector", err)
		}
		switch pqErr.Code {
		case "40001", "40P01":
			return errs.NewBackendUnavailableError("pgvector", err)
		}
		return errs.NewBackendRequestFailedError("pgvector", fmt.Sprintf("%s: %s", pqErr.Code, pqErr.Message))
	}

	return errs.NewBackendUnavailableError("pgvector", err)
}
