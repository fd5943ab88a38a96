// Package recorder wraps a database/sql driver so that every connection,
// statement, execution, fetch and transaction boundary is recorded in a
// qmm.Collector. Driver results and errors pass through unchanged.
package recorder

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"

	"querymeta/internal/dialect"
	"querymeta/internal/domain"
	"querymeta/internal/qmm"
)

type purposeKey struct{}

// WithPurpose tags statements opened with ctx. Untagged statements are
// recorded as domain.PurposeUserQuery.
func WithPurpose(ctx context.Context, p domain.Purpose) context.Context {
	return context.WithValue(ctx, purposeKey{}, p)
}

func purposeFrom(ctx context.Context) domain.Purpose {
	if p, ok := ctx.Value(purposeKey{}).(domain.Purpose); ok {
		return p
	}
	return domain.PurposeUserQuery
}

// Option configures a Connector.
type Option func(*Connector)

// WithInfo sets the descriptive fields recorded for every connection.
func WithInfo(info domain.ConnectionInfo) Option {
	return func(c *Connector) { c.info = info }
}

// WithDialect sets the dialect used to recognize transaction control
// statements. It defaults to the dialect named in the connection info.
func WithDialect(d dialect.Dialect) Option {
	return func(c *Connector) { c.dialect = d }
}

// WithLogger sets the logger for driver-level diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// Connector is a driver.Connector that records into a collector.
type Connector struct {
	parent    driver.Connector
	collector *qmm.Collector
	info      domain.ConnectionInfo
	dialect   dialect.Dialect
	logger    *slog.Logger
}

// NewConnector wraps parent.
func NewConnector(parent driver.Connector, collector *qmm.Collector, opts ...Option) *Connector {
	c := &Connector{parent: parent, collector: collector}
	for _, opt := range opts {
		opt(c)
	}
	c.setDefaults()
	return c
}

func (c *Connector) setDefaults() {
	if c.info.ContextName == "" {
		c.info.ContextName = "Main"
	}
	if c.dialect == nil {
		d, err := dialect.Lookup(c.info.Dialect)
		if err != nil {
			d = dialect.Generic{}
		}
		c.dialect = d
	}
	if c.info.Dialect == "" {
		c.info.Dialect = c.dialect.Name()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
}

// Connect implements driver.Connector. Each physical connection is opened in
// auto-commit mode, so its record starts non-transactional.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	pc, err := c.parent.Connect(ctx)
	if err != nil {
		return nil, err
	}
	qm := c.collector.Open(c.info, false)
	c.logger.Debug("connection opened", "connection", qm.Text(), "id", qm.ID())
	return &conn{parent: pc, qm: qm, dialect: c.dialect, logger: c.logger}, nil
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return recordingDriver{c}
}

type recordingDriver struct {
	c *Connector
}

func (d recordingDriver) Open(string) (driver.Conn, error) {
	return d.c.Connect(context.Background())
}

// dsnConnector adapts a driver without driver.DriverContext.
type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) { return c.driver.Open(c.dsn) }
func (c dsnConnector) Driver() driver.Driver                        { return c.driver }

// ParentConnector resolves a connector for a registered database/sql driver.
func ParentConnector(driverName, dsn string) (driver.Connector, error) {
	probe, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open driver %s: %w", driverName, err)
	}
	d := probe.Driver()
	_ = probe.Close()
	if dc, ok := d.(driver.DriverContext); ok {
		conn, err := dc.OpenConnector(dsn)
		if err != nil {
			return nil, fmt.Errorf("open connector %s: %w", driverName, err)
		}
		return conn, nil
	}
	return dsnConnector{dsn: dsn, driver: d}, nil
}

// Open returns a *sql.DB on a registered driver whose connections record
// into collector. DriverID and the dialect default to driverName.
func Open(driverName, dsn string, collector *qmm.Collector, opts ...Option) (*sql.DB, error) {
	parent, err := ParentConnector(driverName, dsn)
	if err != nil {
		return nil, err
	}
	c := &Connector{parent: parent, collector: collector}
	for _, opt := range opts {
		opt(c)
	}
	if c.info.DriverID == "" {
		c.info.DriverID = driverName
	}
	if c.info.Dialect == "" && c.dialect == nil {
		if d, err := dialect.Lookup(driverName); err == nil {
			c.dialect = d
		}
	}
	c.setDefaults()
	return sql.OpenDB(c), nil
}
