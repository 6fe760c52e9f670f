package pollcat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pollcat/internal/metrics"
)

// RecordingRunner wraps a strategy and records every run in the history,
// the report archive and the exported metrics.
type RecordingRunner struct {
	next     Runner
	strategy Strategy
	history  History
	archive  ReportArchive
	logger   Logger
	clock    Clock
	idgen    IDGenerator
}

func NewRecordingRunner(next Runner, strategy Strategy, history History, archive ReportArchive, logger Logger, clock Clock, idgen IDGenerator) *RecordingRunner {
	return &RecordingRunner{
		next:     next,
		strategy: strategy,
		history:  history,
		archive:  archive,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
}

var _ Runner = (*RecordingRunner)(nil)

func (rr *RecordingRunner) Run(ctx context.Context, req *Request) (*Report, error) {
	runID := runIDFor(ctx, rr.idgen)
	ctx = WithRunID(ctx, runID)

	if _, err := rr.history.CreateRun(runID, req, rr.strategy, rr.clock.Now()); err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}

	report, err := rr.next.Run(ctx, req)
	if err != nil {
		metrics.RunsTotal.WithLabelValues(string(rr.strategy), string(RunFailed)).Inc()
		if ferr := rr.history.FinishRun(runID, RunFailed, nil, err.Error(), rr.clock.Now()); ferr != nil {
			rr.logger.Error("recording failed run", "run", runID, "error", ferr)
		}
		return nil, err
	}

	for _, id := range report.Skips.FileIDs() {
		item := SkippedItem{Kind: SkipKindFile, Item: strconv.FormatInt(id, 10), Reason: report.Skips.Files[id]}
		if err := rr.history.RecordSkip(runID, item); err != nil {
			return nil, fmt.Errorf("recording skipped file %d: %w", id, err)
		}
	}
	for _, v := range report.Skips.VisitIDs() {
		item := SkippedItem{Kind: SkipKindVisit, Item: string(v), Reason: report.Skips.Visits[v]}
		if err := rr.history.RecordSkip(runID, item); err != nil {
			return nil, fmt.Errorf("recording skipped visit %s: %w", v, err)
		}
	}

	status := StatusOf(report)
	if err := rr.history.FinishRun(runID, status, report, "", rr.clock.Now()); err != nil {
		return nil, fmt.Errorf("recording run outcome: %w", err)
	}

	if err := rr.archiveReport(ctx, runID, report); err != nil {
		rr.logger.Warn("archiving report", "run", runID, "error", err)
	}

	metrics.RunsTotal.WithLabelValues(string(rr.strategy), string(status)).Inc()
	metrics.FilesTotal.WithLabelValues("copied").Add(float64(report.FilesCopied))
	metrics.FilesTotal.WithLabelValues("failed").Add(float64(report.FilesFailed))
	metrics.FilesTotal.WithLabelValues("skipped").Add(float64(report.FilesSkipped()))
	metrics.BytesCopied.Add(float64(report.BytesCopied))
	metrics.VisitsSkipped.Add(float64(report.VisitsSkipped()))

	return report, nil
}

func (rr *RecordingRunner) archiveReport(ctx context.Context, runID string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return rr.archive.PutReport(ctx, runID, bytes.NewReader(data), int64(len(data)))
}
