package recall

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type sqlStore struct {
	db         *sql.DB
	table      string
	listTable  string
	driverName string
	prefix     string
	clock      clockwork.Clock

	getStmt        *sql.Stmt
	upsertStmt     *sql.Stmt
	deleteStmt     *sql.Stmt
	deleteListStmt *sql.Stmt
	listInsertStmt *sql.Stmt
	listCountStmt  *sql.Stmt
	listSelectStmt *sql.Stmt
	flushStmt      *sql.Stmt
	flushListStmt  *sql.Stmt
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newSQLStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.SQLDriverName == "" || cfg.SQLDSN == "" {
		return nil, errors.New("sql driver requires driver name and dsn")
	}
	table := cfg.SQLTable
	if table == "" {
		table = defaultSQLTable
	}
	if err := validateSQLTableName(table); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.SQLDriverName, cfg.SQLDSN)
	if err != nil {
		return nil, err
	}
	if isSQLite(cfg.SQLDriverName) {
		// sqlite serializes writers; one connection avoids "database is locked" under shared cache.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &sqlStore{
		db:         db,
		table:      table,
		listTable:  table + "_lists",
		driverName: cfg.SQLDriverName,
		prefix:     cfg.Prefix,
		clock:      clock,
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) Driver() Driver { return DriverSQL }

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	var stmts []string
	switch {
	case isPostgres(s.driverName):
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				k TEXT PRIMARY KEY,
				v BYTEA NOT NULL,
				ea BIGINT NOT NULL
			)`, s.table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				k TEXT NOT NULL,
				v BYTEA NOT NULL
			)`, s.listTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (k, id)`, s.listIndexName(), s.listTable),
		}
	case s.driverName == "mysql":
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				k VARBINARY(255) PRIMARY KEY,
				v LONGBLOB NOT NULL,
				ea BIGINT NOT NULL
			) ENGINE=InnoDB`, s.table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				k VARBINARY(255) NOT NULL,
				v LONGBLOB NOT NULL,
				INDEX %s (k, id)
			) ENGINE=InnoDB`, s.listTable, s.listIndexName()),
		}
	default: // sqlite
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				k TEXT PRIMARY KEY,
				v BLOB NOT NULL,
				ea INTEGER NOT NULL
			)`, s.table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				k TEXT NOT NULL,
				v BLOB NOT NULL
			)`, s.listTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (k, id)`, s.listIndexName(), s.listTable),
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sql schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	var exp int64
	err := s.getStmt.QueryRowContext(ctx, s.cacheKey(key)).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.expired(exp) {
		_, _ = s.deleteStmt.ExecContext(ctx, s.cacheKey(key))
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	exp := s.expiresAt(ttl)
	_, err := s.upsertStmt.ExecContext(ctx, s.cacheKey(key), value, exp, value, exp)
	return err
}

func (s *sqlStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cacheKey := s.cacheKey(key)
	// Seed the row first so the locking read below always has something to lock.
	if _, err := tx.ExecContext(ctx, s.insertIgnoreSQL(), cacheKey, []byte("0"), int64(0)); err != nil {
		return 0, err
	}

	selectSQL := s.getSQL()
	if isPostgres(s.driverName) || s.driverName == "mysql" {
		selectSQL += " FOR UPDATE"
	}
	var v []byte
	var exp int64
	if err := tx.QueryRowContext(ctx, selectSQL, cacheKey).Scan(&v, &exp); err != nil {
		return 0, err
	}

	current := int64(0)
	if s.expired(exp) {
		exp = 0
	} else {
		current, err = strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache key %q: %w", key, ErrNotNumeric)
		}
	}

	next := current + delta
	body := []byte(strconv.FormatInt(next, 10))
	upsertStmt := tx.StmtContext(ctx, s.upsertStmt)
	defer upsertStmt.Close()
	if _, err := upsertStmt.ExecContext(ctx, cacheKey, body, exp, body, exp); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *sqlStore) Append(ctx context.Context, key string, value []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cacheKey := s.cacheKey(key)
	insertStmt := tx.StmtContext(ctx, s.listInsertStmt)
	defer insertStmt.Close()
	if _, err := insertStmt.ExecContext(ctx, cacheKey, value); err != nil {
		return 0, err
	}
	countStmt := tx.StmtContext(ctx, s.listCountStmt)
	defer countStmt.Close()
	var n int64
	if err := countStmt.QueryRowContext(ctx, cacheKey).Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	rows, err := s.listSelectStmt.QueryContext(ctx, s.cacheKey(key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sliceRange(items, start, stop), nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if _, err := s.deleteStmt.ExecContext(ctx, s.cacheKey(key)); err != nil {
		return err
	}
	_, err := s.deleteListStmt.ExecContext(ctx, s.cacheKey(key))
	return err
}

func (s *sqlStore) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(keys))
	for i := range keys {
		placeholders = append(placeholders, s.ph(i+1))
	}
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, s.cacheKey(k))
	}
	in := strings.Join(placeholders, ",")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k IN (%s)", s.table, in), args...); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k IN (%s)", s.listTable, in), args...)
	return err
}

func (s *sqlStore) Flush(ctx context.Context) error {
	scope := s.cacheKey("")
	if _, err := s.flushStmt.ExecContext(ctx, scope); err != nil {
		return err
	}
	_, err := s.flushListStmt.ExecContext(ctx, scope)
	return err
}

// mysqlMaxKeyBytes matches the VARBINARY(255) key columns.
const mysqlMaxKeyBytes = 255

func (s *sqlStore) cacheKey(key string) string {
	scope := ""
	if s.prefix != "" {
		scope = s.prefix + ":"
	}
	full := scope + key
	if s.driverName == "mysql" && len(full) > mysqlMaxKeyBytes {
		// Long keys (URLs) keep the scope so prefix-scoped Flush still matches.
		sum := sha256.Sum256([]byte(key))
		return scope + "#sha256:" + hex.EncodeToString(sum[:])
	}
	return full
}

func (s *sqlStore) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixMilli()
}

func (s *sqlStore) expired(exp int64) bool {
	return exp > 0 && s.clock.Now().UnixMilli() > exp
}

func (s *sqlStore) upsertSQL() string {
	// Placeholders must be positional for postgres/pgx.
	p1, p2, p3, p4, p5 := s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)
	switch {
	case isPostgres(s.driverName):
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT (k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	case s.driverName == "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON DUPLICATE KEY UPDATE v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT(k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	}
}

func (s *sqlStore) insertIgnoreSQL() string {
	p1, p2, p3 := s.ph(1), s.ph(2), s.ph(3)
	if s.driverName == "mysql" {
		return fmt.Sprintf("INSERT IGNORE INTO %s (k, v, ea) VALUES (%s, %s, %s)", s.table, p1, p2, p3)
	}
	return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT (k) DO NOTHING", s.table, p1, p2, p3)
}

func (s *sqlStore) getSQL() string {
	return fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))
}

func (s *sqlStore) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.getStmt, s.getSQL()},
		{&s.upsertStmt, s.upsertSQL()},
		{&s.deleteStmt, fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.table, s.ph(1))},
		{&s.deleteListStmt, fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.listTable, s.ph(1))},
		{&s.listInsertStmt, fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s)", s.listTable, s.ph(1), s.ph(2))},
		{&s.listCountStmt, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE k = %s", s.listTable, s.ph(1))},
		{&s.listSelectStmt, fmt.Sprintf("SELECT v FROM %s WHERE k = %s ORDER BY id", s.listTable, s.ph(1))},
		{&s.flushStmt, s.flushSQL(s.table)},
		{&s.flushListStmt, s.flushSQL(s.listTable)},
	}
	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", st.query, err)
		}
		*st.dst = prepared
	}
	return nil
}

// flushSQL scopes deletes to this store's prefix so tables can be shared.
func (s *sqlStore) flushSQL(table string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE SUBSTR(k, 1, %d) = %s", table, len(s.cacheKey("")), s.ph(1))
}

func (s *sqlStore) listIndexName() string {
	return strings.ReplaceAll(s.listTable, ".", "_") + "_k_idx"
}

func (s *sqlStore) ph(i int) string {
	if isPostgres(s.driverName) {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func isPostgres(driver string) bool {
	return driver == "postgres" || driver == "pgx"
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("sql table name is required")
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return fmt.Errorf("invalid sql table name %q", name)
		}
	}
	return nil
}
