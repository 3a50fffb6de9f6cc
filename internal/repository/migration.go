// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Adapted from ClusterCockpit-cc-backend/internal/repository/migration.go.
// The teacher drives golang-migrate off versioned migration files; this
// gateway's schema has no released versions to migrate between yet, so the
// embedded schema is applied directly with CREATE TABLE IF NOT EXISTS
// rather than pulling in golang-migrate for a single schema version (see
// DESIGN.md).
package repository

import (
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

//go:embed migrations/*
var migrationFiles embed.FS

// MigrateDB applies the embedded schema for backend ("sqlite3" or "mysql")
// against db. Safe to call on every startup.
func MigrateDB(backend string, db *sqlx.DB) error {
	raw, err := migrationFiles.ReadFile(fmt.Sprintf("migrations/%s/schema.sql", backend))
	if err != nil {
		return fmt.Errorf("repository: no schema for backend %q: %w", backend, err)
	}

	for _, stmt := range strings.Split(string(raw), ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("repository: schema statement failed: %w\n%s", err, stmt)
		}
	}

	log.Infof("repository: schema applied for %s backend", backend)
	return nil
}
