package pollcat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"pollcat/internal/archive"
	"pollcat/internal/pollcat"
	"pollcat/internal/testutil"
)

// funcRunner adapts a function to pollcat.Runner.
type funcRunner func(ctx context.Context, req *pollcat.Request) (*pollcat.Report, error)

func (f funcRunner) Run(ctx context.Context, req *pollcat.Request) (*pollcat.Report, error) {
	return f(ctx, req)
}

// failingArchive rejects every report.
type failingArchive struct{}

func (failingArchive) PutReport(context.Context, string, io.Reader, int64) error {
	return errors.New("bucket gone")
}

func (failingArchive) GetReport(context.Context, string, io.Writer) error { return pollcat.ErrNotFound }

func (failingArchive) ValidateSetup(context.Context) error { return nil }

func TestRecordingRunner_RecordsPartialRun(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	store := archive.NewMemoryArchive()
	next := funcRunner(func(ctx context.Context, req *pollcat.Request) (*pollcat.Report, error) {
		report := &pollcat.Report{
			RunID:       pollcat.RunIDFrom(ctx),
			RequestID:   req.ID,
			Requester:   req.Requester,
			FilesCopied: 2,
			BytesCopied: 2048,
			Skips:       pollcat.NewSkipSet(),
		}
		report.Skips.SkipFile(5, "no catalogue location")
		report.Skips.SkipVisit("MT1-1", "scheduler sync: lsf down")
		return report, nil
	})
	rr := pollcat.NewRecordingRunner(next, pollcat.StrategyVisit, db, store, pollcat.NewNopLogger(),
		testutil.FixedClock(), testutil.NewStubIDGenerator())

	report, err := rr.Run(context.Background(), &pollcat.Request{ID: 42, PreparedID: "prep", Requester: "carol"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1 passed down through the context", report.RunID)
	}

	rec, err := db.FindRun("run-1")
	if err != nil {
		t.Fatalf("FindRun() error = %v", err)
	}
	if rec == nil {
		t.Fatal("run not recorded")
	}
	if rec.Status != pollcat.RunPartial {
		t.Errorf("Status = %q, want %q", rec.Status, pollcat.RunPartial)
	}
	if rec.FilesCopied != 2 || rec.FilesSkipped != 1 || rec.VisitsSkipped != 1 || rec.BytesCopied != 2048 {
		t.Errorf("record counts = %+v", rec)
	}
	if rec.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	skips, err := db.ListSkips("run-1")
	if err != nil {
		t.Fatalf("ListSkips() error = %v", err)
	}
	want := []pollcat.SkippedItem{
		{Kind: pollcat.SkipKindFile, Item: "5", Reason: "no catalogue location"},
		{Kind: pollcat.SkipKindVisit, Item: "MT1-1", Reason: "scheduler sync: lsf down"},
	}
	if len(skips) != len(want) {
		t.Fatalf("skips = %+v, want %+v", skips, want)
	}
	for i := range want {
		if skips[i] != want[i] {
			t.Errorf("skip[%d] = %+v, want %+v", i, skips[i], want[i])
		}
	}

	var buf bytes.Buffer
	if err := store.GetReport(context.Background(), "run-1", &buf); err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	var archived pollcat.Report
	if err := json.Unmarshal(buf.Bytes(), &archived); err != nil {
		t.Fatalf("archived report is not JSON: %v", err)
	}
	if archived.RequestID != 42 || archived.Skips.Files[5] != "no catalogue location" {
		t.Errorf("archived report = %+v", archived)
	}
}

func TestRecordingRunner_RecordsFatalRun(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	store := archive.NewMemoryArchive()
	next := funcRunner(func(context.Context, *pollcat.Request) (*pollcat.Report, error) {
		return nil, errors.New("resolving requester: ldap down")
	})
	rr := pollcat.NewRecordingRunner(next, pollcat.StrategyVisit, db, store, pollcat.NewNopLogger(),
		testutil.FixedClock(), testutil.NewStubIDGenerator())

	if _, err := rr.Run(context.Background(), &pollcat.Request{ID: 1, Requester: "carol"}); err == nil {
		t.Fatal("Run() expected error")
	}

	rec, err := db.FindRun("run-1")
	if err != nil || rec == nil {
		t.Fatalf("FindRun() = %v, %v", rec, err)
	}
	if rec.Status != pollcat.RunFailed || rec.Error != "resolving requester: ldap down" {
		t.Errorf("record = %q %q, want failed with the error", rec.Status, rec.Error)
	}
	if store.Len() != 0 {
		t.Errorf("archived reports = %d, want 0", store.Len())
	}
}

func TestRecordingRunner_ArchiveFailureIsNotFatal(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	next := funcRunner(func(ctx context.Context, req *pollcat.Request) (*pollcat.Report, error) {
		return &pollcat.Report{RunID: pollcat.RunIDFrom(ctx), RequestID: req.ID, Skips: pollcat.NewSkipSet()}, nil
	})
	rr := pollcat.NewRecordingRunner(next, pollcat.StrategyGlobus, db, failingArchive{}, pollcat.NewNopLogger(),
		testutil.FixedClock(), testutil.NewStubIDGenerator())

	if _, err := rr.Run(context.Background(), &pollcat.Request{ID: 1, Requester: "carol"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec, err := db.FindRun("run-1")
	if err != nil || rec == nil {
		t.Fatalf("FindRun() = %v, %v", rec, err)
	}
	if rec.Status != pollcat.RunOK {
		t.Errorf("Status = %q, want %q", rec.Status, pollcat.RunOK)
	}
	if rec.Strategy != pollcat.StrategyGlobus {
		t.Errorf("Strategy = %q, want %q", rec.Strategy, pollcat.StrategyGlobus)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *pollcat.Report)
		want   pollcat.RunStatus
	}{
		{name: "clean", mutate: func(*pollcat.Report) {}, want: pollcat.RunOK},
		{name: "failed copy", mutate: func(r *pollcat.Report) { r.FilesFailed = 1 }, want: pollcat.RunPartial},
		{name: "skipped file", mutate: func(r *pollcat.Report) { r.Skips.SkipFile(1, "x") }, want: pollcat.RunPartial},
		{name: "skipped visit", mutate: func(r *pollcat.Report) { r.Skips.SkipVisit("MT1-1", "x") }, want: pollcat.RunPartial},
		{name: "warning", mutate: func(r *pollcat.Report) { r.Warnings = []string{"w"} }, want: pollcat.RunPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &pollcat.Report{Skips: pollcat.NewSkipSet()}
			tt.mutate(r)
			if got := pollcat.StatusOf(r); got != tt.want {
				t.Errorf("StatusOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSkipSet_FirstReasonWins(t *testing.T) {
	s := pollcat.NewSkipSet()
	s.SkipFile(3, "first")
	s.SkipFile(3, "second")
	s.SkipFile(1, "other")
	s.SkipVisit("MT2-1", "first")
	s.SkipVisit("MT2-1", "second")

	if s.Files[3] != "first" || s.Visits["MT2-1"] != "first" {
		t.Errorf("reasons = %q %q, want first", s.Files[3], s.Visits["MT2-1"])
	}
	if got := s.FileIDs(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("FileIDs() = %v, want [1 3]", got)
	}
}
