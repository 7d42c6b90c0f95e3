package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite ledger and creates the lectures table if it
// doesn't exist.
func InitDB(dbFile string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS lecture_downloads (
		id INTEGER PRIMARY KEY,
		course_id INTEGER,
		lecture_id INTEGER,
		path TEXT UNIQUE,
		status TEXT,
		reason TEXT,
		attempts INTEGER DEFAULT 0,
		finished_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
