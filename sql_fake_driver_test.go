package recall

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
)

// fakeDriver accepts every statement and records the queries it saw, so the
// postgres and mysql dialects can be exercised without a server.
type fakeDriver struct {
	execErr error
	pingErr error

	mu      sync.Mutex
	queries []string
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	return &fakeConn{drv: d}, nil
}

func (d *fakeDriver) record(query string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
}

func (d *fakeDriver) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

type fakeConn struct {
	drv *fakeDriver
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	c.drv.record(query)
	return &fakeStmt{}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("not impl") }

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.drv.record(query)
	return driver.RowsAffected(1), c.drv.execErr
}
func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.drv.record(query)
	return &fakeRows{}, nil
}
func (c *fakeConn) Ping(ctx context.Context) error { return c.drv.pingErr }

type fakeStmt struct{}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(1), nil
}
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) { return &fakeRows{}, nil }

type fakeRows struct{}

func (r *fakeRows) Columns() []string              { return []string{} }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Next(dest []driver.Value) error { return driver.ErrBadConn }

var (
	fakePostgresDriver = &fakeDriver{}
	fakeMySQLDriver    = &fakeDriver{}
)

func init() {
	sql.Register("postgres", fakePostgresDriver)
	sql.Register("mysqlfake", fakeMySQLDriver)
	sql.Register("pgfail", &fakeDriver{execErr: errors.New("boom")})
	sql.Register("pingfail", &fakeDriver{pingErr: errors.New("ping boom")})
}
