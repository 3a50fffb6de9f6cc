// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package repository persists Tasks, Devices, Points and Sessions and
// implements engine.StatusListener so the Session Engine can report its
// state transitions without importing this package directly.
//
// Grounded on ClusterCockpit-cc-backend/internal/repository/dbConnection.go's
// singleton Connect/GetConnection pattern: sqlite3 wrapped with sqlhooks for
// query logging, mysql opened directly with pool tuning.
package repository

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// Config tunes the connection pool; zero values fall back to the defaults
// below. Mirrors the teacher's RepositoryConfig.
type Config struct {
	MaxOpenConnections    int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
	ConnectionMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = 4
	}
	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = 4
	}
	if c.ConnectionMaxLifetime <= 0 {
		c.ConnectionMaxLifetime = time.Hour
	}
	if c.ConnectionMaxIdleTime <= 0 {
		c.ConnectionMaxIdleTime = time.Hour
	}
	return c
}

// DBConnection wraps the sqlx handle shared by every repository.
type DBConnection struct {
	DB *sqlx.DB
}

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
	dbConnErr      error
)

func init() {
	sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryLogHooks{}))
}

// Connect opens the configured backend exactly once; subsequent calls
// return the same handle. driver is "sqlite3" or "mysql", db is the DSN
// (a file path for sqlite3, a go-sql-driver DSN for mysql).
func Connect(driver, db string, cfg Config) (*DBConnection, error) {
	dbConnOnce.Do(func() {
		cfg = cfg.withDefaults()
		var handle *sqlx.DB
		var err error

		switch driver {
		case "sqlite3":
			handle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", db))
		case "mysql":
			handle, err = sqlx.Open("mysql", db)
		default:
			err = fmt.Errorf("repository: unsupported driver %q", driver)
		}
		if err != nil {
			dbConnErr = fmt.Errorf("repository: connect failed: %w", err)
			return
		}

		if driver == "sqlite3" {
			// sqlite does not multithread writes; more than one open
			// connection just means waiting on its internal lock.
			handle.SetMaxOpenConns(1)
		} else {
			handle.SetMaxOpenConns(cfg.MaxOpenConnections)
		}
		handle.SetMaxIdleConns(cfg.MaxIdleConnections)
		handle.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)
		handle.SetConnMaxIdleTime(cfg.ConnectionMaxIdleTime)

		if err := handle.Ping(); err != nil {
			dbConnErr = fmt.Errorf("repository: ping failed: %w", err)
			return
		}

		log.Infof("repository: connected to %s backend", driver)
		dbConnInstance = &DBConnection{DB: handle}
	})

	return dbConnInstance, dbConnErr
}

// GetConnection returns the singleton opened by Connect. Exits the process
// via log.Fatalf if called before Connect -- every entry point wires
// Connect during startup.
func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		log.Fatalf("repository: GetConnection called before Connect")
	}
	return dbConnInstance
}
