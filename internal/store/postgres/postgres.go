// Package postgres implements core.Store on PostgreSQL through pgx.
//
// Entities of every model share one table. Their mapped fields live in a
// JSONB column so a parser can introduce fields without a migration.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is a core.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens and pings a pool for databaseURL.
func Connect(ctx context.Context, databaseURL string, cfg PoolConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS import_filetypes (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS import_entities (
	id         BIGSERIAL PRIMARY KEY,
	model      TEXT NOT NULL,
	eid        TEXT NOT NULL DEFAULT '',
	provider   TEXT NOT NULL DEFAULT '',
	structure  TEXT NOT NULL DEFAULT '',
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS import_entities_eid_idx
	ON import_entities (model, provider, eid);

CREATE TABLE IF NOT EXISTS import_attachments (
	id          BIGSERIAL PRIMARY KEY,
	entity_id   BIGINT NOT NULL REFERENCES import_entities (id) ON DELETE CASCADE,
	model       TEXT NOT NULL,
	source_url  TEXT NOT NULL,
	file_key    TEXT NOT NULL,
	filetype_id BIGINT REFERENCES import_filetypes (id),
	mime_type   TEXT NOT NULL DEFAULT '',
	size        BIGINT NOT NULL DEFAULT 0,
	width       INTEGER NOT NULL DEFAULT 0,
	height      INTEGER NOT NULL DEFAULT 0,
	is_image    BOOLEAN NOT NULL DEFAULT FALSE,
	legend      TEXT NOT NULL DEFAULT '',
	author      TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS import_attachments_entity_idx
	ON import_attachments (entity_id);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// AddFileType inserts a file type if missing and returns its id.
func (s *Store) AddFileType(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO import_filetypes (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add file type %q: %w", name, err)
	}
	return id, nil
}

// Begin implements core.Store.
func (s *Store) Begin(ctx context.Context) (core.Tx, error) {
	t, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &tx{tx: t, seq: new(int)}, nil
}

// tx wraps a pgx transaction. Savepoints share the parent transaction and
// are addressed by name.
type tx struct {
	tx        pgx.Tx
	seq       *int
	savepoint string
	done      bool
}

const entityColumns = `id, model, eid, provider, structure, deleted, fields, created_at, updated_at`

func scanEntity(row pgx.Row) (*core.Entity, error) {
	var e core.Entity
	err := row.Scan(&e.ID, &e.Model, &e.EID, &e.Provider, &e.Structure, &e.Deleted, &e.Fields, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	return &e, nil
}

func (t *tx) FindByEID(ctx context.Context, model, eid, provider string) (*core.Entity, error) {
	return scanEntity(t.tx.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM import_entities
		WHERE model = $1 AND eid = $2 AND provider = $3
		ORDER BY id
		LIMIT 1`, model, eid, provider))
}

func (t *tx) FindByField(ctx context.Context, model, field, value, structure string) (*core.Entity, error) {
	return scanEntity(t.tx.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM import_entities
		WHERE model = $1 AND fields ->> $2 = $3 AND structure = $4 AND NOT deleted
		ORDER BY id
		LIMIT 1`, model, field, value, structure))
}

func (t *tx) Create(ctx context.Context, e *core.Entity) error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO import_entities (model, eid, provider, structure, deleted, fields)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		e.Model, e.EID, e.Provider, e.Structure, e.Deleted, e.Fields,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (t *tx) Update(ctx context.Context, e *core.Entity) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE import_entities
		SET eid = $2, provider = $3, structure = $4, deleted = $5, fields = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		e.ID, e.EID, e.Provider, e.Structure, e.Deleted, e.Fields,
	).Scan(&e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

func (t *tx) DeleteStale(ctx context.Context, scope core.DeleteScope) (int64, error) {
	keep := scope.Keep
	if keep == nil {
		keep = []int64{}
	}

	query := `
		UPDATE import_entities SET deleted = TRUE, updated_at = now()
		WHERE model = $1 AND provider = $2 AND eid <> '' AND NOT deleted
		  AND NOT (id = ANY($3))`
	if scope.Hard {
		query = `
		DELETE FROM import_entities
		WHERE model = $1 AND provider = $2 AND eid <> ''
		  AND NOT (id = ANY($3))`
	}

	tag, err := t.tx.Exec(ctx, query, scope.Model, scope.Provider, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const attachmentColumns = `id, entity_id, model, source_url, file_key, filetype_id, mime_type, size,
	width, height, is_image, legend, author, title, created_at, updated_at`

func (t *tx) Attachments(ctx context.Context, entityID int64) ([]*core.Attachment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM import_attachments
		WHERE entity_id = $1
		ORDER BY id`, entityID)
	if err != nil {
		return nil, err
	}
	return scanAttachments(rows)
}

func (t *tx) StaleAttachments(ctx context.Context, scope core.DeleteScope) ([]*core.Attachment, error) {
	keep := scope.Keep
	if keep == nil {
		keep = []int64{}
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM import_attachments
		WHERE entity_id IN (
			SELECT id FROM import_entities
			WHERE model = $1 AND provider = $2 AND eid <> ''
			  AND NOT (id = ANY($3)))
		ORDER BY id`, scope.Model, scope.Provider, keep)
	if err != nil {
		return nil, err
	}
	return scanAttachments(rows)
}

func scanAttachments(rows pgx.Rows) ([]*core.Attachment, error) {
	defer rows.Close()

	var out []*core.Attachment
	for rows.Next() {
		var (
			a        core.Attachment
			fileType *int64
		)
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Model, &a.SourceURL, &a.FileKey, &fileType, &a.MimeType, &a.Size,
			&a.Width, &a.Height, &a.IsImage, &a.Legend, &a.Author, &a.Title, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if fileType != nil {
			a.FileTypeID = *fileType
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (t *tx) SaveAttachment(ctx context.Context, a *core.Attachment) error {
	if a.ID == 0 {
		return t.tx.QueryRow(ctx, `
			INSERT INTO import_attachments
				(entity_id, model, source_url, file_key, filetype_id, mime_type, size,
				 width, height, is_image, legend, author, title)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id, created_at, updated_at`,
			a.EntityID, a.Model, a.SourceURL, a.FileKey, nullID(a.FileTypeID), a.MimeType, a.Size,
			a.Width, a.Height, a.IsImage, a.Legend, a.Author, a.Title,
		).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	}

	err := t.tx.QueryRow(ctx, `
		UPDATE import_attachments
		SET source_url = $2, file_key = $3, filetype_id = $4, mime_type = $5, size = $6,
		    width = $7, height = $8, is_image = $9, legend = $10, author = $11, title = $12,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.SourceURL, a.FileKey, nullID(a.FileTypeID), a.MimeType, a.Size,
		a.Width, a.Height, a.IsImage, a.Legend, a.Author, a.Title,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

func (t *tx) DeleteAttachment(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM import_attachments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (t *tx) FileType(ctx context.Context, name string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM import_filetypes WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, core.ErrNotFound
	}
	return id, err
}

func (t *tx) Savepoint(ctx context.Context) (core.Tx, error) {
	*t.seq++
	name := fmt.Sprintf("sp_%d", *t.seq)
	if _, err := t.tx.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return nil, fmt.Errorf("create savepoint: %w", err)
	}
	return &tx{tx: t.tx, seq: t.seq, savepoint: name}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.savepoint != "" {
		_, err := t.tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", t.savepoint))
		return err
	}
	return t.tx.Commit(ctx)
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.savepoint != "" {
		_, err := t.tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", t.savepoint))
		return err
	}
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// Count returns the number of live entities of model.
func (s *Store) Count(ctx context.Context, model string) (int64, error) {
	return countEntities(ctx, s.pool, model)
}

func countEntities(ctx context.Context, db DBTX, model string) (int64, error) {
	var n int64
	err := db.QueryRow(ctx, `SELECT count(*) FROM import_entities WHERE model = $1 AND NOT deleted`, model).Scan(&n)
	return n, err
}
