package sqlite

import (
	"database/sql"
	"time"

	"github.com/coursepull/coursepull/internal/storage"
)

// LectureLedger is the SQLite-backed outcome ledger.
type LectureLedger struct {
	db *sql.DB
}

func NewLectureLedger(dbConn *sql.DB) *LectureLedger {
	return &LectureLedger{db: dbConn}
}

// RecordOutcome upserts one lecture outcome keyed by destination path.
func (r *LectureLedger) RecordOutcome(record storage.LectureRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO lecture_downloads (course_id, lecture_id, path, status, reason, attempts, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			attempts = excluded.attempts,
			finished_at = excluded.finished_at
	`, record.CourseID, record.LectureID, record.Path, record.Status, record.Reason, record.Attempts,
		time.Now().Format(time.RFC3339))

	return err
}

// GetCourseRecords returns all recorded outcomes of a course, in path order.
func (r *LectureLedger) GetCourseRecords(courseID int64) ([]storage.LectureRecord, error) {
	rows, err := r.db.Query(`
		SELECT course_id, lecture_id, path, status, reason, attempts, finished_at
		FROM lecture_downloads WHERE course_id = ? ORDER BY path
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.LectureRecord

	for rows.Next() {
		var record storage.LectureRecord

		var reason, finishedAt sql.NullString

		if err := rows.Scan(&record.CourseID, &record.LectureID, &record.Path,
			&record.Status, &reason, &record.Attempts, &finishedAt); err != nil {
			return nil, err
		}

		record.Reason = reason.String
		record.FinishedAt = finishedAt.String

		records = append(records, record)
	}

	return records, rows.Err()
}
