package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements Store on an embedded libSQL file.
type LibSQLStore struct {
	*sqlStore
}

var _ Store = (*LibSQLStore)(nil)

// libsqlPragmas run on open. Some return a row and some do not, so they go
// through QueryRow and the scan result is discarded.
var libsqlPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// NewLibSQLStore opens the database at dsn. A bare path is treated as
// "file:<path>".
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// one writer; concurrent connections only produce SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, p := range libsqlPragmas {
		var ignored string
		_ = db.QueryRow(p).Scan(&ignored)
	}
	return &LibSQLStore{sqlStore: newSQLStore(db, dialectLibSQL)}, nil
}
