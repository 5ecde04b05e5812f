package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

type Options struct {
	Driver       string // "mysql" or "sqlite"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	ConnMaxIdle  time.Duration
	PingTimeout  time.Duration
}

type DB struct {
	DB     *sql.DB
	Driver string
}

func Open(opt Options) (*DB, error) {
	if opt.Driver == "" {
		opt.Driver = "mysql"
	}
	if opt.DSN == "" {
		return nil, fmt.Errorf("db: missing dsn")
	}
	if opt.Driver == "sqlite" {
		// one writer; WAL lets readers proceed
		opt.MaxOpenConns = 1
		opt.DSN = sqliteDSN(opt.DSN)
	}
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = 20
	}
	if opt.MaxIdleConns <= 0 {
		opt.MaxIdleConns = 10
	}
	if opt.ConnMaxLife == 0 {
		opt.ConnMaxLife = 30 * time.Minute
	}
	if opt.ConnMaxIdle == 0 {
		opt.ConnMaxIdle = 5 * time.Minute
	}
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 2 * time.Second
	}

	d, err := sql.Open(opt.Driver, opt.DSN)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(opt.MaxOpenConns)
	d.SetMaxIdleConns(opt.MaxIdleConns)
	d.SetConnMaxLifetime(opt.ConnMaxLife)
	d.SetConnMaxIdleTime(opt.ConnMaxIdle)

	ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return &DB{DB: d, Driver: opt.Driver}, nil
}

func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
