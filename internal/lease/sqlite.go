package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLite keeps leases in a table of a shared SQLite database, typically the
// metadata database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates the leases table if needed.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		version INTEGER NOT NULL
	);`)
	if err != nil {
		return nil, fmt.Errorf("failed to create leases table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Acquire inserts the lease, or takes it over when expired or already ours.
func (s *SQLite) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiry := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder_id, expires_at, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(name) DO UPDATE SET
			holder_id = excluded.holder_id,
			expires_at = excluded.expires_at,
			version = leases.version + 1
		WHERE leases.holder_id = excluded.holder_id OR leases.expires_at < ?
	`, name, holder, expiry.UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// Renew extends the lease while holder still owns it.
func (s *SQLite) Renew(ctx context.Context, name, holder string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`, time.Now().Add(ttl).UnixNano(), name, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLost
	}
	return nil
}

// Release deletes the lease if held by holder.
func (s *SQLite) Release(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder_id = ?`, name, holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
