package storage

// LectureRecord is one lecture outcome persisted across runs.
type LectureRecord struct {
	CourseID   int64
	LectureID  int64
	Path       string
	Status     string
	Reason     string
	Attempts   int
	FinishedAt string
}

// LedgerReader serves outcome history for reporting.
type LedgerReader interface {
	GetCourseRecords(courseID int64) ([]LectureRecord, error)
}

// LedgerWriter records per-lecture outcomes. The filesystem stays the
// authority for skip-if-complete; the ledger is bookkeeping.
type LedgerWriter interface {
	RecordOutcome(record LectureRecord) error
}
