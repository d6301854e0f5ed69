package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Store persisted in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// Writes run in IMMEDIATE transactions so every state transition is
// serialized against concurrent tombstoning.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so other components (leases) can share it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS buckets (
		id TEXT PRIMARY KEY,
		tablespace TEXT NOT NULL,
		config JSON NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		marked_at INTEGER,
		deleted_at INTEGER
	);

	-- AUTOINCREMENT keeps segment IDs from being reused after rows are dropped.
	CREATE TABLE IF NOT EXISTS segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket TEXT NOT NULL REFERENCES buckets(id),
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		sealed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_segments_bucket ON segments(bucket, status);

	CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		segment INTEGER NOT NULL REFERENCES segments(id),
		byte_offset INTEGER NOT NULL,
		byte_length INTEGER NOT NULL,
		size INTEGER NOT NULL,
		codec TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_objects_segment ON objects(segment, status);
	CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket, segment, byte_offset);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return s.wrap(tx.Commit())
}

func (s *SQLiteStore) wrap(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func fromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const bucketColumns = `id, tablespace, config, status, created_at, marked_at, deleted_at`

func scanBucket(row scanner) (Bucket, error) {
	var (
		b               Bucket
		config          []byte
		created         int64
		marked, deleted sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.TablespaceName, &config, &b.Status, &created, &marked, &deleted); err != nil {
		return Bucket{}, err
	}
	if err := json.Unmarshal(config, &b.Config); err != nil {
		return Bucket{}, fmt.Errorf("decode config of bucket %s: %w", b.ID, err)
	}
	b.CreatedAt = fromNanos(created)
	b.MarkedAt = fromNull(marked)
	b.DeletedAt = fromNull(deleted)
	return b, nil
}

func getBucket(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (Bucket, error) {
	b, err := scanBucket(q.QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, fmt.Errorf("%s: %w", id, ErrBucketNotFound)
	}
	return b, err
}

// CreateBucket registers a new bucket.
func (s *SQLiteStore) CreateBucket(ctx context.Context, b Bucket) (Bucket, error) {
	config, err := json.Marshal(b.Config)
	if err != nil {
		return Bucket{}, fmt.Errorf("encode bucket config: %w", err)
	}
	b.Status = BucketActive
	b.CreatedAt = now()
	b.MarkedAt = nil
	b.DeletedAt = nil

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getBucket(ctx, tx, b.ID)
		switch {
		case err == nil && existing.Status != BucketDeleted:
			return fmt.Errorf("%s: %w", b.ID, ErrBucketExists)
		case err != nil && !errors.Is(err, ErrBucketNotFound):
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO buckets (id, tablespace, config, status, created_at, marked_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, NULL, NULL)
			ON CONFLICT(id) DO UPDATE SET
				tablespace = excluded.tablespace,
				config = excluded.config,
				status = excluded.status,
				created_at = excluded.created_at,
				marked_at = NULL,
				deleted_at = NULL
		`, b.ID, b.TablespaceName, config, b.Status, b.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		return Bucket{}, err
	}
	return b, nil
}

// GetBucket returns the bucket record.
func (s *SQLiteStore) GetBucket(ctx context.Context, id string) (Bucket, error) {
	b, err := getBucket(ctx, s.db, id)
	return b, s.wrap(err)
}

// ListBuckets visits buckets ordered by id.
func (s *SQLiteStore) ListBuckets(ctx context.Context, fn func(Bucket) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bucketColumns+` FROM buckets ORDER BY id`)
	if err != nil {
		return s.wrap(err)
	}
	var list []Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	// Rows are drained first; fn may call back into the store.
	for _, b := range list {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// MarkBucketForDeletion marks an active bucket.
func (s *SQLiteStore) MarkBucketForDeletion(ctx context.Context, id string) (BucketStatus, bool, error) {
	var (
		prev    BucketStatus
		changed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := getBucket(ctx, tx, id)
		if err != nil {
			return err
		}
		prev = b.Status
		if prev != BucketActive {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE buckets SET status = ?, marked_at = ? WHERE id = ?`,
			BucketMarkedForDeletion, now().UnixNano(), id)
		changed = err == nil
		return err
	})
	return prev, changed, err
}

// FinalizeBucket completes bucket teardown.
func (s *SQLiteStore) FinalizeBucket(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := getBucket(ctx, tx, id)
		if err != nil {
			return err
		}
		switch b.Status {
		case BucketDeleted:
			return nil
		case BucketActive:
			return fmt.Errorf("%s: %w", id, ErrBucketNotMarked)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM segments WHERE bucket = ? AND status != ?`, id, SegmentDeleted,
		).Scan(&remaining); err != nil {
			return err
		}
		if remaining > 0 {
			return fmt.Errorf("%s: %d segments remain: %w", id, remaining, ErrBucketNotEmpty)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE bucket = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE buckets SET status = ?, deleted_at = ? WHERE id = ?`,
			BucketDeleted, now().UnixNano(), id); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

const segmentColumns = `id, bucket, status, created_at, sealed_at`

func scanSegment(row scanner) (Segment, error) {
	var (
		seg     Segment
		created int64
		sealed  sql.NullInt64
	)
	if err := row.Scan(&seg.ID, &seg.Bucket, &seg.Status, &created, &sealed); err != nil {
		return Segment{}, err
	}
	seg.CreatedAt = fromNanos(created)
	seg.SealedAt = fromNull(sealed)
	return seg, nil
}

func getSegment(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, bucket string, id uint64) (Segment, error) {
	seg, err := scanSegment(q.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE bucket = ? AND id = ?`, bucket, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, fmt.Errorf("%s/%d: %w", bucket, id, ErrSegmentNotFound)
	}
	return seg, err
}

// CreateSegment allocates a writable segment.
func (s *SQLiteStore) CreateSegment(ctx context.Context, bucket string) (Segment, error) {
	seg := Segment{Bucket: bucket, Status: SegmentWritable, CreatedAt: now()}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := getBucket(ctx, tx, bucket)
		if err != nil {
			return err
		}
		if b.Status != BucketActive {
			return fmt.Errorf("%s is %s: %w", bucket, b.Status, ErrBucketNotActive)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO segments (bucket, status, created_at) VALUES (?, ?, ?)`,
			bucket, seg.Status, seg.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		seg.ID = uint64(id)
		return nil
	})
	if err != nil {
		return Segment{}, err
	}
	return seg, nil
}

// GetSegment returns the segment record.
func (s *SQLiteStore) GetSegment(ctx context.Context, bucket string, id uint64) (Segment, error) {
	seg, err := getSegment(ctx, s.db, bucket, id)
	return seg, s.wrap(err)
}

// ListSegments returns the bucket's segments in GC order.
func (s *SQLiteStore) ListSegments(ctx context.Context, bucket string, statuses ...SegmentStatus) ([]Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE bucket = ?`
	args := []any{bucket}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY sealed_at IS NULL, sealed_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// SealSegment closes a writable segment.
func (s *SQLiteStore) SealSegment(ctx context.Context, bucket string, id uint64) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seg, err := getSegment(ctx, tx, bucket, id)
		if err != nil {
			return err
		}
		if seg.Status != SegmentWritable {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE segments SET status = ?, sealed_at = ? WHERE id = ?`,
			SegmentSealed, now().UnixNano(), int64(id))
		changed = err == nil
		return err
	})
	return changed, err
}

// MarkSegmentReclaimable checks and transitions in one transaction.
func (s *SQLiteStore) MarkSegmentReclaimable(ctx context.Context, bucket string, id uint64, allowEmpty bool) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seg, err := getSegment(ctx, tx, bucket, id)
		if err != nil {
			return err
		}
		if seg.Status != SegmentSealed {
			return nil
		}

		var total, live int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
			FROM objects WHERE segment = ?
		`, ObjectActive, int64(id)).Scan(&total, &live); err != nil {
			return err
		}
		if live > 0 || (total == 0 && !allowEmpty) {
			return nil
		}

		_, err = tx.ExecContext(ctx, `UPDATE segments SET status = ? WHERE id = ?`, SegmentReclaimable, int64(id))
		changed = err == nil
		return err
	})
	return changed, err
}

// FinalizeSegment drops a reclaimable segment's records.
func (s *SQLiteStore) FinalizeSegment(ctx context.Context, bucket string, id uint64) (int, error) {
	var dropped int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seg, err := getSegment(ctx, tx, bucket, id)
		if err != nil {
			return err
		}
		switch seg.Status {
		case SegmentDeleted:
			return nil
		case SegmentReclaimable:
		default:
			return fmt.Errorf("%s/%d is %s: %w", bucket, id, seg.Status, ErrInvalidTransition)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE segment = ?`, int64(id))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		dropped = int(n)
		_, err = tx.ExecContext(ctx, `UPDATE segments SET status = ? WHERE id = ?`, SegmentDeleted, int64(id))
		return err
	})
	return dropped, err
}

// SegmentUsage summarizes a segment.
func (s *SQLiteStore) SegmentUsage(ctx context.Context, bucket string, id uint64) (SegmentUsage, error) {
	if _, err := s.GetSegment(ctx, bucket, id); err != nil {
		return SegmentUsage{}, err
	}
	var u SegmentUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(byte_length), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN byte_length ELSE 0 END), 0)
		FROM objects WHERE segment = ?
	`, ObjectActive, ObjectActive, int64(id)).Scan(&u.Objects, &u.Live, &u.StoredBytes, &u.LiveBytes)
	return u, s.wrap(err)
}

const objectColumns = `id, bucket, segment, byte_offset, byte_length, size, codec, status, created_at, deleted_at`

func scanObject(row scanner) (Object, error) {
	var (
		o       Object
		segment int64
		created int64
		deleted sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.Bucket, &segment, &o.Offset, &o.Length, &o.Size, &o.Codec, &o.Status, &created, &deleted); err != nil {
		return Object{}, err
	}
	o.Segment = uint64(segment)
	o.CreatedAt = fromNanos(created)
	o.DeletedAt = fromNull(deleted)
	return o, nil
}

// RegisterObject records a new active object.
func (s *SQLiteStore) RegisterObject(ctx context.Context, o Object) (Object, error) {
	o.Status = ObjectActive
	o.CreatedAt = now()
	o.DeletedAt = nil

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seg, err := getSegment(ctx, tx, o.Bucket, o.Segment)
		if err != nil {
			if errors.Is(err, ErrSegmentNotFound) {
				if _, berr := getBucket(ctx, tx, o.Bucket); berr != nil {
					return berr
				}
			}
			return err
		}
		if seg.Status != SegmentWritable {
			return fmt.Errorf("%s/%d is %s: %w", o.Bucket, o.Segment, seg.Status, ErrSegmentNotWritable)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO objects (`+objectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, o.ID, o.Bucket, int64(o.Segment), o.Offset, o.Length, o.Size, o.Codec, o.Status, o.CreatedAt.UnixNano())
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%s: %w", o.ID, ErrObjectExists)
		}
		return err
	})
	if err != nil {
		return Object{}, err
	}
	return o, nil
}

// GetObject returns an object record.
func (s *SQLiteStore) GetObject(ctx context.Context, bucket, id string) (Object, error) {
	o, err := scanObject(s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE id = ? AND bucket = ?`, id, bucket))
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("%s: %w", id, ErrObjectNotFound)
	}
	return o, s.wrap(err)
}

// MarkObjectDeleted tombstones an object.
func (s *SQLiteStore) MarkObjectDeleted(ctx context.Context, bucket, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET status = ?, deleted_at = ? WHERE id = ? AND bucket = ? AND status = ?`,
		ObjectDeleted, now().UnixNano(), id, bucket, ObjectActive)
	if err != nil {
		return false, s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListObjects visits matching objects ordered by segment and offset.
func (s *SQLiteStore) ListObjects(ctx context.Context, bucket string, filter ObjectFilter, fn func(Object) error) error {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
	args := []any{bucket}
	if filter.Segment != 0 {
		query += ` AND segment = ?`
		args = append(args, int64(filter.Segment))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY segment, byte_offset`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return s.wrap(err)
	}
	var list []Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, o := range list {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}
