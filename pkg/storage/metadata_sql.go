package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
)

const sqlMetadataSchema = `
CREATE TABLE IF NOT EXISTS object_metadata (
	bucket     TEXT NOT NULL,
	object_key TEXT NOT NULL,
	info       TEXT NOT NULL,
	PRIMARY KEY (bucket, object_key)
)`

// SQLMetadata stores metadata records in a relational table. It works
// against any database/sql driver sqlx can rebind for; sqlite and
// postgres are the ones exercised.
type SQLMetadata struct {
	db *sqlx.DB
}

// NewSQLMetadata opens the database and ensures the schema exists.
func NewSQLMetadata(driver, dsn string) (*SQLMetadata, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqlMetadataSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLMetadata{db: db}, nil
}

// Store implements MetadataStorage.
func (m *SQLMetadata) Store(ctx context.Context, bucket, key string, info *S3ObjectInfo) error {
	encoded, err := json.Marshal(info)
	if err != nil {
		return err
	}
	// Portable upsert: delete then insert inside one transaction.
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		m.db.Rebind(`DELETE FROM object_metadata WHERE bucket = ? AND object_key = ?`),
		bucket, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		m.db.Rebind(`INSERT INTO object_metadata (bucket, object_key, info) VALUES (?, ?, ?)`),
		bucket, key, string(encoded)); err != nil {
		return err
	}
	return tx.Commit()
}

// Get implements MetadataStorage.
func (m *SQLMetadata) Get(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	var encoded string
	err := m.db.GetContext(ctx, &encoded,
		m.db.Rebind(`SELECT info FROM object_metadata WHERE bucket = ? AND object_key = ?`),
		bucket, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var info S3ObjectInfo
	if err := json.Unmarshal([]byte(encoded), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Delete implements MetadataStorage.
func (m *SQLMetadata) Delete(ctx context.Context, bucket, key string) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		m.db.Rebind(`DELETE FROM object_metadata WHERE bucket = ? AND object_key = ?`),
		bucket, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteBucket implements MetadataStorage.
func (m *SQLMetadata) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := m.db.ExecContext(ctx,
		m.db.Rebind(`DELETE FROM object_metadata WHERE bucket = ?`), bucket)
	return err
}

// ListAll implements MetadataStorage. Rows are streamed from the
// database cursor, not collected up front.
func (m *SQLMetadata) ListAll(ctx context.Context) (MetadataIterator, error) {
	rows, err := m.db.QueryxContext(ctx,
		`SELECT bucket, object_key FROM object_metadata ORDER BY bucket, object_key`)
	if err != nil {
		return nil, err
	}
	return &sqlIterator{rows: rows}, nil
}

// Close implements MetadataStorage.
func (m *SQLMetadata) Close() error {
	return m.db.Close()
}

type sqlIterator struct {
	rows *sqlx.Rows
}

func (it *sqlIterator) Next(ctx context.Context) (*ObjectRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !it.rows.Next() {
		return nil, it.rows.Err()
	}
	var ref ObjectRef
	if err := it.rows.Scan(&ref.Bucket, &ref.Key); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (it *sqlIterator) Close() error {
	return it.rows.Close()
}
