package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
)

// Record is a row of any store table.
type Record struct {
	Key       string
	Timestamp int64             // epoch milliseconds
	Indexes   map[string]string // values for the table's non-timestamp indexes
	Payload   []byte            // JSON document
	Blob      []byte            // optional raw bytes stored beside the payload
}

// Seams for tests.
var (
	openDB    = Open
	migrateDB = Migrate
)

// Store is the persistent store. It opens lazily: the first operation (or
// an explicit Init) opens the database and applies migrations.
type Store struct {
	path string

	mu      sync.RWMutex
	db      *sql.DB
	version int64

	group singleflight.Group
}

// New creates a store backed by the SQLite file at path.
func New(path string) *Store {
	return &Store{path: path}
}

// NewWithDB wraps an already-open, already-migrated handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) handle() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Init opens the database and brings the schema up to date. It is a no-op
// once it has succeeded. Concurrent callers share one in-flight attempt. A
// failed attempt is not cached.
func (s *Store) Init(ctx context.Context) error {
	if s.handle() != nil {
		return nil
	}

	_, err, _ := s.group.Do("init", func() (interface{}, error) {
		if db := s.handle(); db != nil {
			return db, nil
		}

		db, err := openDB(ctx, s.path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreInit, "open store", err)
		}

		version, err := migrateDB(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, apperrors.Wrap(apperrors.ErrStoreInit, "migrate store", err)
		}

		s.mu.Lock()
		s.db = db
		s.version = version
		s.mu.Unlock()

		logging.Info("Persistent store initialized", map[string]interface{}{
			"path":           s.path,
			"schema_version": version,
		})
		return db, nil
	})
	return err
}

// Version returns the schema version applied by Init.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close closes the underlying handle. A later operation reopens it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	db := s.handle()
	if db == nil {
		return nil, apperrors.New(apperrors.ErrStoreInit, "store closed")
	}
	return db, nil
}

// =====================================================
// Table Operations
// =====================================================

// Get returns the record stored under key, or nil when absent.
func (s *Store) Get(ctx context.Context, table Table, key string) (*Record, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, db, table, key)
}

// GetAll returns every record of table ordered by (timestamp, key).
func (s *Store) GetAll(ctx context.Context, table Table) ([]*Record, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, db, table, "", nil)
}

// GetByIndex returns the records whose index column equals value.
func (s *Store) GetByIndex(ctx context.Context, table Table, index string, value any) ([]*Record, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return nil, err
	}
	col, err := schema.column(index, table)
	if err != nil {
		return nil, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, db, table, col+" = ?", []any{value})
}

// GetByIndexRange returns the records whose index column lies within
// [lower, upper]. A nil bound leaves that side open.
func (s *Store) GetByIndexRange(ctx context.Context, table Table, index string, lower, upper any) ([]*Record, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return nil, err
	}
	col, err := schema.column(index, table)
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	if lower != nil {
		conds = append(conds, col+" >= ?")
		args = append(args, lower)
	}
	if upper != nil {
		conds = append(conds, col+" <= ?")
		args = append(args, upper)
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, db, table, strings.Join(conds, " AND "), args)
}

// Put inserts rec or replaces the record with the same key.
func (s *Store) Put(ctx context.Context, table Table, rec *Record) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return putRecord(ctx, db, table, rec)
}

// Delete removes the record under key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, table Table, key string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return deleteRecord(ctx, db, table, key)
}

// Clear removes every record of table.
func (s *Store) Clear(ctx context.Context, table Table) error {
	if _, err := schemaFor(table); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("clear %s", table), err)
	}
	return nil
}

// Count returns the number of records in table.
func (s *Store) Count(ctx context.Context, table Table) (int, error) {
	if _, err := schemaFor(table); err != nil {
		return 0, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("count %s", table), err)
	}
	return n, nil
}

// Footprint returns the summed byte length of every payload and blob in table.
func (s *Store) Footprint(ctx context.Context, table Table) (int64, error) {
	if _, err := schemaFor(table); err != nil {
		return 0, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(
		"SELECT COALESCE(SUM(LENGTH(payload)), 0) + COALESCE(SUM(LENGTH(blob)), 0) FROM %s", table)
	var n int64
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("size of %s", table), err)
	}
	return n, nil
}

// Update runs a read-modify-write of the record under key inside one
// transaction. It reports false, without calling fn, when the key is absent.
// fn must not change the key.
func (s *Store) Update(ctx context.Context, table Table, key string, fn func(rec *Record) error) (bool, error) {
	found := false
	err := s.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		rec, err := tx.Get(ctx, table, key)
		if err != nil || rec == nil {
			return err
		}
		found = true
		if err := fn(rec); err != nil {
			return err
		}
		if rec.Key != key {
			return apperrors.Newf(apperrors.ErrInvalid, "update changed key %q to %q", key, rec.Key)
		}
		return tx.Put(ctx, table, rec)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Tx runs fn inside a single transaction.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return WithTx(ctx, db, func(ctx context.Context, q DBTX) error {
		return fn(ctx, &Tx{q: q})
	})
}

// Tx exposes record operations bound to an open transaction.
type Tx struct {
	q DBTX
}

// Get returns the record under key, or nil when absent.
func (t *Tx) Get(ctx context.Context, table Table, key string) (*Record, error) {
	return getRecord(ctx, t.q, table, key)
}

// Put upserts rec.
func (t *Tx) Put(ctx context.Context, table Table, rec *Record) error {
	return putRecord(ctx, t.q, table, rec)
}

// Delete removes the record under key.
func (t *Tx) Delete(ctx context.Context, table Table, key string) error {
	return deleteRecord(ctx, t.q, table, key)
}

// =====================================================
// SQL Helpers
// =====================================================

func getRecord(ctx context.Context, q DBTX, table Table, key string) (*Record, error) {
	recs, err := queryRecords(ctx, q, table, "key = ?", []any{key})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func queryRecords(ctx context.Context, q DBTX, table Table, where string, args []any) ([]*Record, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(schema.columns(), ", "), table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY timestamp, key"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("query %s", table), err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, schema)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("scan %s", table), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("iterate %s", table), err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows, schema tableSchema) (*Record, error) {
	rec := &Record{}
	extras := make([]string, len(schema.extra))

	dest := []any{&rec.Key, &rec.Timestamp}
	for i := range extras {
		dest = append(dest, &extras[i])
	}
	dest = append(dest, &rec.Payload, &rec.Blob)

	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	if len(extras) > 0 {
		rec.Indexes = make(map[string]string, len(extras))
		for i, name := range schema.extra {
			rec.Indexes[name] = extras[i]
		}
	}
	return rec, nil
}

func putRecord(ctx context.Context, q DBTX, table Table, rec *Record) error {
	schema, err := schemaFor(table)
	if err != nil {
		return err
	}
	if rec == nil || rec.Key == "" {
		return apperrors.Newf(apperrors.ErrInvalid, "record for %s has no key", table)
	}

	cols := schema.columns()
	args := []any{rec.Key, rec.Timestamp}
	for _, name := range schema.extra {
		args = append(args, rec.Indexes[name])
	}
	args = append(args, rec.Payload, rec.Blob)

	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(key) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "),
	)

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("put %s/%s", table, rec.Key), err)
	}
	return nil
}

func deleteRecord(ctx context.Context, q DBTX, table Table, key string) error {
	if _, err := schemaFor(table); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("delete %s/%s", table, key), err)
	}
	return nil
}
