// Copyright 2024 cachefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"cachefs/internal/util"
)

const markerBusyTimeout = 5000 // ms

const createMarkersTable = `CREATE TABLE IF NOT EXISTS invalidation_markers (
	path        TEXT PRIMARY KEY,
	last_writer INTEGER NOT NULL,
	updated_at  TIMESTAMP NOT NULL
)`

// MarkerModel represents the invalidation_markers table
type MarkerModel struct {
	bun.BaseModel `bun:"table:invalidation_markers"`

	Path       string    `bun:"path,pk"`
	LastWriter int64     `bun:"last_writer,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

// sqliteMarkers persists markers so that a restarted server still reports
// replicas written by other proxies as stale.
type sqliteMarkers struct {
	db *bun.DB
}

// OpenSQLiteMarkers opens (creating if needed) a marker database at path.
func OpenSQLiteMarkers(path string) (MarkerStore, error) {
	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open marker database: %w", err)
	}

	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", markerBusyTimeout),
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if err := execPragma(sqlDB, pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := sqlDB.Exec(createMarkersTable); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create marker table: %w", err)
	}

	log.Debugf("[SERVER] marker database opened at %s", path)
	return &sqliteMarkers{db: bun.NewDB(sqlDB, sqlitedialect.New())}, nil
}

// execPragma runs a PRAGMA with Query because libsql returns rows for it.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

func (s *sqliteMarkers) LastWriter(ctx context.Context, path string) (int64, bool, error) {
	var m MarkerModel
	err := s.db.NewSelect().
		Model(&m).
		Where("path = ?", path).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return m.LastWriter, true, nil
}

func (s *sqliteMarkers) SetLastWriter(ctx context.Context, path string, proxyID int64) error {
	return util.Retry(ctx, func() error {
		_, err := s.db.NewInsert().
			Model(&MarkerModel{Path: path, LastWriter: proxyID, UpdatedAt: time.Now()}).
			On("CONFLICT (path) DO UPDATE").
			Set("last_writer = EXCLUDED.last_writer").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

func (s *sqliteMarkers) Close() error {
	return s.db.Close()
}
