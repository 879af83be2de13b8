package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "transfers.db"

// InitDB opens the SQLite database at path and creates the transfers table if
// it doesn't exist. The pool is limited to one connection so writes to the
// same record are serialized.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		state TEXT NOT NULL,
		payload BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS transfers_seq ON transfers (seq)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
