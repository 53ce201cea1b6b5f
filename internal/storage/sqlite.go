package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"postfilter/internal/model"
	"postfilter/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: SQLite allows a single writer, and every pooled
	// connection to :memory: would otherwise see its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertFilter inserts a filter or updates an existing one by its ID.
func (s *SQLite) UpsertFilter(ctx context.Context, f *model.Filter) error {
	categories, err := json.Marshal(f.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO filters (id, name, prompt, categories, threshold, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, prompt = excluded.prompt, categories = excluded.categories,
		   threshold = excluded.threshold, enabled = excluded.enabled, updated_at = ?`,
		f.ID, f.Name, f.Prompt, string(categories), f.Threshold, boolToInt(f.Enabled), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert filter: %w", err)
	}
	return nil
}

// GetFilter returns a single filter by its ID.
func (s *SQLite) GetFilter(ctx context.Context, id string) (*model.Filter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, prompt, categories, threshold, enabled, created_at, updated_at
		 FROM filters WHERE id = ?`, id,
	)
	f, err := scanFilter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFilters returns all configured filters ordered by ID.
func (s *SQLite) ListFilters(ctx context.Context) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, prompt, categories, threshold, enabled, created_at, updated_at
		 FROM filters ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFilters(rows)
}

// DeleteFilter removes a filter and its source associations.
func (s *SQLite) DeleteFilter(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_filters WHERE filter_id = ?`, id); err != nil {
		return fmt.Errorf("delete source_filters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM filters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return tx.Commit()
}

// UpsertSource inserts or updates a source by its (type, source_id) pair and
// replaces its filter associations, preserving the given order.
func (s *SQLite) UpsertSource(ctx context.Context, src *model.Source, filterIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sources (type, source_id, name, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (type, source_id) DO UPDATE SET
		   name = excluded.name, enabled = excluded.enabled`,
		string(src.Type), src.SourceID, src.Name, boolToInt(src.Enabled), now,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM sources WHERE type = ? AND source_id = ?`,
		string(src.Type), src.SourceID,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("select source id: %w", err)
	}
	src.ID = id

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_filters WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("clear source_filters: %w", err)
	}
	for pos, fid := range filterIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_filters (source_id, filter_id, position) VALUES (?, ?, ?)`,
			id, fid, pos,
		)
		if err != nil {
			return fmt.Errorf("insert source_filter: %w", err)
		}
	}
	return tx.Commit()
}

// GetSourceBySourceID returns the source with the given external ID together
// with its associated filters in configured order.
func (s *SQLite) GetSourceBySourceID(ctx context.Context, sourceID string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, source_id, name, enabled, cursor, created_at
		 FROM sources WHERE source_id = ?`, sourceID,
	)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	filters, err := s.sourceFilters(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	src.Filters = filters
	return src, nil
}

// ListSources returns all configured sources with their filters.
func (s *SQLite) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, source_id, name, enabled, cursor, created_at FROM sources ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sources {
		filters, err := s.sourceFilters(ctx, sources[i].ID)
		if err != nil {
			return nil, err
		}
		sources[i].Filters = filters
	}
	return sources, nil
}

// DeleteSource removes a source and its filter associations.
func (s *SQLite) DeleteSource(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_filters WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete source_filters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return tx.Commit()
}

// SetSourceCursor persists the monitoring cursor for a source so polling
// survives restarts.
func (s *SQLite) SetSourceCursor(ctx context.Context, id int64, cursor string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sources SET cursor = ? WHERE id = ?`, cursor, id)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// HasProcessedPost reports whether a record exists for (source_id, post_id).
func (s *SQLite) HasProcessedPost(ctx context.Context, sourceID, postID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_posts WHERE source_id = ? AND post_id = ?`,
		sourceID, postID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed by id: %w", err)
	}
	return count > 0, nil
}

// HasProcessedFingerprint reports whether any record carries the fingerprint.
func (s *SQLite) HasProcessedFingerprint(ctx context.Context, fp string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_posts WHERE text_fingerprint = ?`, fp,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed by fingerprint: %w", err)
	}
	return count > 0, nil
}

// InsertProcessed appends one ProcessedRecord. The UNIQUE(source_id, post_id)
// constraint makes the insert atomic with respect to concurrent runs for the
// same post; the run that loses the race gets ErrDuplicateRecord.
func (s *SQLite) InsertProcessed(ctx context.Context, rec *model.ProcessedRecord) error {
	now := time.Now().UTC()
	var filterID, category, reason *string
	var confidence *float64
	if rec.FilterID != "" {
		filterID = &rec.FilterID
		category = &rec.Category
		confidence = &rec.Confidence
		reason = &rec.Reason
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_posts
		 (source_type, source_id, post_id, text_fingerprint, filter_id, category, confidence, reason, was_forwarded, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.SourceType), rec.SourceID, rec.PostID, rec.TextFingerprint,
		filterID, category, confidence, reason, boolToInt(rec.WasForwarded), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateRecord
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rec.ID = id
	rec.ProcessedAt = now.Truncate(time.Second)
	return nil
}

// ListProcessed returns the most recent processed records, newest first.
func (s *SQLite) ListProcessed(ctx context.Context, limit int) ([]model.ProcessedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_type, source_id, post_id, text_fingerprint, filter_id, category, confidence, reason, was_forwarded, processed_at
		 FROM processed_posts ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.ProcessedRecord
	for rows.Next() {
		var rec model.ProcessedRecord
		var srcType, processedStr string
		var filterID, category, reason sql.NullString
		var confidence sql.NullFloat64
		var forwarded int
		err := rows.Scan(&rec.ID, &srcType, &rec.SourceID, &rec.PostID, &rec.TextFingerprint,
			&filterID, &category, &confidence, &reason, &forwarded, &processedStr)
		if err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		rec.SourceType = model.SourceType(srcType)
		rec.FilterID = filterID.String
		rec.Category = category.String
		rec.Confidence = confidence.Float64
		rec.Reason = reason.String
		rec.WasForwarded = forwarded == 1
		rec.ProcessedAt, _ = time.Parse(timeLayout, processedStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLite) sourceFilters(ctx context.Context, sourceID int64) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.name, f.prompt, f.categories, f.threshold, f.enabled, f.created_at, f.updated_at
		 FROM filters f
		 JOIN source_filters sf ON sf.filter_id = f.id
		 WHERE sf.source_id = ?
		 ORDER BY sf.position`, sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query source filters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFilters(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFilter(row scannable) (*model.Filter, error) {
	var f model.Filter
	var categoriesStr, createdStr string
	var updatedStr sql.NullString
	var enabled int
	err := row.Scan(&f.ID, &f.Name, &f.Prompt, &categoriesStr, &f.Threshold, &enabled, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan filter: %w", err)
	}
	if err := json.Unmarshal([]byte(categoriesStr), &f.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	f.Enabled = enabled == 1
	f.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	if updatedStr.Valid {
		t, _ := time.Parse(timeLayout, updatedStr.String)
		f.UpdatedAt = &t
	}
	return &f, nil
}

func scanFilters(rows *sql.Rows) ([]model.Filter, error) {
	var filters []model.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		filters = append(filters, *f)
	}
	return filters, rows.Err()
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var typeStr, createdStr string
	var enabled int
	err := row.Scan(&src.ID, &typeStr, &src.SourceID, &src.Name, &enabled, &src.Cursor, &createdStr)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Type = model.SourceType(typeStr)
	src.Enabled = enabled == 1
	src.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &src, nil
}
