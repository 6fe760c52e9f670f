package pollcat

import (
	"maps"
	"slices"
	"time"
)

// Request is one pending data-download request.
type Request struct {
	ID           int64   `json:"id"`
	PreparedID   string  `json:"prepared_id"`
	Requester    string  `json:"requester"` // fedid of the user who asked for the data
	DownloadName string  `json:"download_name"`
	FileIDs      []int64 `json:"file_ids"`
}

// FileRef is one requested file with its catalogue location.
type FileRef struct {
	ID       int64
	Location string
	Paths    *ReplicaPaths
}

// SkipSet records the files and visits excluded from further processing in one run.
// A skipped visit is never seen again by a later phase and a skipped file is never replicated.
type SkipSet struct {
	Files  map[int64]string   `json:"files"`
	Visits map[VisitID]string `json:"visits"`
}

// NewSkipSet creates an empty SkipSet.
func NewSkipSet() *SkipSet {
	return &SkipSet{
		Files:  make(map[int64]string),
		Visits: make(map[VisitID]string),
	}
}

// SkipFile excludes a file. The first reason recorded wins.
func (s *SkipSet) SkipFile(id int64, reason string) {
	if _, ok := s.Files[id]; !ok {
		s.Files[id] = reason
	}
}

// SkipVisit excludes a visit. The first reason recorded wins.
func (s *SkipSet) SkipVisit(v VisitID, reason string) {
	if _, ok := s.Visits[v]; !ok {
		s.Visits[v] = reason
	}
}

func (s *SkipSet) FileSkipped(id int64) bool {
	_, ok := s.Files[id]
	return ok
}

func (s *SkipSet) VisitSkipped(v VisitID) bool {
	_, ok := s.Visits[v]
	return ok
}

// FileIDs returns the skipped file ids in ascending order.
func (s *SkipSet) FileIDs() []int64 {
	return slices.Sorted(maps.Keys(s.Files))
}

// VisitIDs returns the skipped visits in ascending order.
func (s *SkipSet) VisitIDs() []VisitID {
	return slices.Sorted(maps.Keys(s.Visits))
}

// Report is the end-of-run summary. It is the only user-visible failure signal:
// nothing already applied to the directory, scheduler or OS is rolled back.
type Report struct {
	RunID          string    `json:"run_id"`
	Strategy       Strategy  `json:"strategy"`
	RequestID      int64     `json:"request_id"`
	Requester      string    `json:"requester"`
	RequesterUID   string    `json:"requester_uid"`
	FilesRequested int       `json:"files_requested"`
	FilesCopied    int       `json:"files_copied"`
	FilesFailed    int       `json:"files_failed"`
	BytesCopied    int64     `json:"bytes_copied"`
	Visits         []VisitID `json:"visits"`
	Warnings       []string  `json:"warnings"`
	Skips          *SkipSet  `json:"skips"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

func newReport(runID string, strategy Strategy, req *Request, now time.Time) *Report {
	return &Report{
		RunID:          runID,
		Strategy:       strategy,
		RequestID:      req.ID,
		Requester:      req.Requester,
		FilesRequested: len(req.FileIDs),
		Skips:          NewSkipSet(),
		StartedAt:      now,
	}
}

// FilesSkipped returns the number of files excluded from replication.
func (r *Report) FilesSkipped() int { return len(r.Skips.Files) }

// VisitsSkipped returns the number of visits abandoned during the run.
func (r *Report) VisitsSkipped() int { return len(r.Skips.Visits) }

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
