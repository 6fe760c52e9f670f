package pollcat

import (
	"context"
	"io"
	"time"
)

// RunStatus is the outcome of one run as recorded in the history.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// StatusOf classifies a finished report: any skip, failed copy or warning makes it partial.
func StatusOf(r *Report) RunStatus {
	if r.FilesFailed > 0 || r.FilesSkipped() > 0 || r.VisitsSkipped() > 0 || len(r.Warnings) > 0 {
		return RunPartial
	}
	return RunOK
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID            int64
	RunID         string
	RequestID     int64
	PreparedID    string
	Requester     string
	Strategy      Strategy
	Status        RunStatus
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
	FilesCopied   int
	FilesFailed   int
	FilesSkipped  int
	VisitsSkipped int
	BytesCopied   int64
}

// Skip kinds recorded in run history.
const (
	SkipKindFile  = "file"
	SkipKindVisit = "visit"
)

// SkippedItem is one file or visit a run skipped.
type SkippedItem struct {
	Kind   string
	Item   string
	Reason string
}

// History persists run records.
type History interface {
	// CreateRun records the start of a run.
	CreateRun(runID string, req *Request, strategy Strategy, startedAt time.Time) (*RunRecord, error)

	// FinishRun records the outcome of a run. r may be nil for a failed run.
	FinishRun(runID string, status RunStatus, r *Report, errMsg string, finishedAt time.Time) error

	// RecordSkip records one skipped file or visit.
	RecordSkip(runID string, item SkippedItem) error

	// FindRun returns the run with the given id, or nil if none exists.
	FindRun(runID string) (*RunRecord, error)

	// FindRunsByRequest returns all runs of a request, newest first.
	FindRunsByRequest(requestID int64) ([]*RunRecord, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*RunRecord, error)

	// ListSkips returns the items a run skipped.
	ListSkips(runID string) ([]SkippedItem, error)
}

// ReportArchive stores run reports as opaque blobs keyed by run id.
type ReportArchive interface {
	// PutReport stores a report. size is the exact number of bytes in r.
	PutReport(ctx context.Context, runID string, r io.Reader, size int64) error

	// GetReport writes the stored report to w. Returns an error wrapping ErrNotFound if absent.
	GetReport(ctx context.Context, runID string, w io.Writer) error

	// ValidateSetup checks the archive is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
