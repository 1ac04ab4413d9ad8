package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is one stored document with its bookkeeping timestamps.
type Record struct {
	Key       string
	Value     json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the record value into dest.
func (r Record) Decode(dest any) error {
	return json.Unmarshal(r.Value, dest)
}

// Put inserts or replaces the record stored under key. A replace keeps the
// record's place in collection order and its creation time.
func (s *Store) Put(ctx context.Context, collection, key string, value any) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	if key == "" {
		return errors.New("key is required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}

	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (collection, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, collection, key, data, now, now)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, wrapUnavailable(err))
	}
	return nil
}

// Get decodes the record stored under key into dest.
func (s *Store) Get(ctx context.Context, collection, key string, dest any) error {
	rec, err := s.GetRecord(ctx, collection, key)
	if err != nil {
		return err
	}
	return rec.Decode(dest)
}

// GetRecord returns the raw record stored under key.
func (s *Store) GetRecord(ctx context.Context, collection, key string) (Record, error) {
	if err := s.checkCollection(collection); err != nil {
		return Record{}, err
	}
	var (
		rec              Record
		value            []byte
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, created_at, updated_at FROM records
		WHERE collection = ? AND key = ?
	`, collection, key).Scan(&rec.Key, &value, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", collection, key, wrapUnavailable(err))
	}
	rec.Value = value
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	return rec, nil
}

// GetAll returns every record in the collection in insertion order. Order comes
// from the row id, so wall clock corrections do not reorder records.
func (s *Store) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, created_at, updated_at FROM records
		WHERE collection = ?
		ORDER BY rowid ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", collection, wrapUnavailable(err))
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec              Record
			value            []byte
			created, updated int64
		)
		if err := rows.Scan(&rec.Key, &value, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		rec.Value = value
		rec.CreatedAt = time.Unix(0, created)
		rec.UpdatedAt = time.Unix(0, updated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes the record under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, wrapUnavailable(err))
	}
	return nil
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.checkCollection(collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, wrapUnavailable(err))
	}
	return n, nil
}

func (s *Store) checkCollection(collection string) error {
	if s == nil || s.db == nil {
		return ErrStorageUnavailable
	}
	if _, ok := s.collections[collection]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return nil
}
