package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
	dialectMemory   DBDialect = "memory"
)

// SQLKV implements KeyValueStore on two tables: kv_documents for whole-record
// payloads and kv_counters for per-field integers.
type SQLKV struct {
	dialect DBDialect
	db      *sql.DB
}

var _ KeyValueStore = (*SQLKV)(nil)

func openStore(cfg Config) (KeyValueStore, error) {
	dialectRaw := strings.TrimSpace(strings.ToLower(cfg.DBDialect))
	if dialectRaw == "" {
		dialectRaw = string(dialectSQLite)
	}
	dialect := DBDialect(dialectRaw)

	var driverName string
	var dsn string
	switch dialect {
	case dialectMemory:
		log.Printf("database: dialect=%s (state is lost on restart)", dialect)
		return newMemoryKV(), nil
	case dialectSQLite:
		driverName = "sqlite"
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			path = filepath.Join("tmp", "flux_ledger.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	case dialectPostgres:
		driverName = "pgx"
		dsn = strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			dsn = strings.TrimSpace(cfg.DatabaseURL)
		}
		if dsn == "" {
			return nil, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN or DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT %q", dialectRaw)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == dialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	kv := &SQLKV{dialect: dialect, db: db}
	if err := kv.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("database: dialect=%s", dialect)
	return kv, nil
}

func (s *SQLKV) Close() error { return s.db.Close() }

func (s *SQLKV) bind(pos int) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (s *SQLKV) binds(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = s.bind(from + i)
	}
	return strings.Join(ph, ", ")
}

func (s *SQLKV) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	files, err := fs.Glob(migrationFS, fmt.Sprintf("migrations/%s/*.sql", s.dialect))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := fmt.Sprintf("INSERT INTO schema_migrations (version, applied_at) VALUES (%s)", s.binds(1, 2))
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	var payload string
	q := "SELECT payload FROM kv_documents WHERE doc_key = " + s.bind(1)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get "+key, err)
	}
	return []byte(payload), nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`INSERT INTO kv_documents (doc_key, payload, updated_at) VALUES (%s)
		ON CONFLICT (doc_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		s.binds(1, 3))
	if _, err := s.db.ExecContext(ctx, q, key, string(value), time.Now().UTC()); err != nil {
		return storeErr("set "+key, err)
	}
	return nil
}

// Increment relies on a single upsert statement so concurrent callers never
// lose an update on the same field.
func (s *SQLKV) Increment(ctx context.Context, key, field string, delta int64) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO kv_counters (counter_key, field, value) VALUES (%s)
		ON CONFLICT (counter_key, field) DO UPDATE SET value = kv_counters.value + excluded.value
		RETURNING value`, s.binds(1, 3))
	var v int64
	if err := s.db.QueryRowContext(ctx, q, key, field, delta).Scan(&v); err != nil {
		return 0, storeErr("increment "+key+"."+field, err)
	}
	return v, nil
}

func (s *SQLKV) SetField(ctx context.Context, key, field string, value int64) error {
	q := fmt.Sprintf(`INSERT INTO kv_counters (counter_key, field, value) VALUES (%s)
		ON CONFLICT (counter_key, field) DO UPDATE SET value = excluded.value`, s.binds(1, 3))
	if _, err := s.db.ExecContext(ctx, q, key, field, value); err != nil {
		return storeErr("set field "+key+"."+field, err)
	}
	return nil
}

func (s *SQLKV) Fields(ctx context.Context, key string) (map[string]int64, error) {
	q := "SELECT field, value FROM kv_counters WHERE counter_key = " + s.bind(1)
	rows, err := s.db.QueryContext(ctx, q, key)
	if err != nil {
		return nil, storeErr("fields "+key, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var field string
		var v int64
		if err := rows.Scan(&field, &v); err != nil {
			return nil, storeErr("scan fields "+key, err)
		}
		out[field] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate fields "+key, err)
	}
	return out, nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (s *SQLKV) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	q := fmt.Sprintf(`SELECT doc_key FROM kv_documents WHERE doc_key LIKE %s ESCAPE '\'
		UNION SELECT DISTINCT counter_key FROM kv_counters WHERE counter_key LIKE %s ESCAPE '\'`,
		s.bind(1), s.bind(2))
	pattern := likePrefix(prefix)
	rows, err := s.db.QueryContext(ctx, q, pattern, pattern)
	if err != nil {
		return nil, storeErr("scan "+prefix, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeErr("scan "+prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan "+prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SQLKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete", err)
	}
	in := s.binds(1, len(keys))
	for _, q := range []string{
		"DELETE FROM kv_documents WHERE doc_key IN (" + in + ")",
		"DELETE FROM kv_counters WHERE counter_key IN (" + in + ")",
	} {
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			_ = tx.Rollback()
			return storeErr("delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit delete", err)
	}
	return nil
}
