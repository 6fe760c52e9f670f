package pollcat

import (
	"context"
	"fmt"
	"time"

	"pollcat/internal/metrics"
)

// RequestSource is where pending download requests come from.
type RequestSource interface {
	// Pending lists requests waiting to be processed. FileIDs is not populated.
	Pending(ctx context.Context) ([]*Request, error)

	// DatafileIDs lists the files of a prepared download.
	DatafileIDs(ctx context.Context, preparedID string) ([]int64, error)

	// IsOnline reports whether every file of a prepared download has been restored from tape.
	IsOnline(ctx context.Context, preparedID string, fileIDs []int64) (bool, error)

	// MarkComplete tells the source the request has been delivered.
	MarkComplete(ctx context.Context, requestID int64) error
}

// Poller feeds pending requests to a Runner.
type Poller struct {
	source   RequestSource
	runner   Runner
	interval time.Duration
	logger   Logger
}

func NewPoller(source RequestSource, runner Runner, interval time.Duration, logger Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{source: source, runner: runner, interval: interval, logger: logger}
}

// PollOnce processes every request that is ready and returns how many were completed.
// Only a failure to list pending requests is returned; a failing request is
// logged, left incomplete and picked up again on the next poll.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	pending, err := p.source.Pending(ctx)
	if err != nil {
		metrics.PollErrors.Inc()
		return 0, fmt.Errorf("listing pending requests: %w", err)
	}

	completed := 0
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		if p.process(ctx, req) {
			completed++
		}
	}
	return completed, nil
}

func (p *Poller) process(ctx context.Context, req *Request) bool {
	ids, err := p.source.DatafileIDs(ctx, req.PreparedID)
	if err != nil {
		p.logger.Error("listing request files", "request", req.ID, "error", err)
		return false
	}
	req.FileIDs = ids

	online, err := p.source.IsOnline(ctx, req.PreparedID, ids)
	if err != nil {
		p.logger.Error("checking request status", "request", req.ID, "error", err)
		return false
	}
	if !online {
		p.logger.Debug("request not yet online", "request", req.ID)
		return false
	}

	if _, err := p.runner.Run(ctx, req); err != nil {
		p.logger.Error("request failed", "request", req.ID, "error", err)
		return false
	}

	if err := p.source.MarkComplete(ctx, req.ID); err != nil {
		p.logger.Error("marking request complete", "request", req.ID, "error", err)
		return false
	}
	p.logger.Info("request complete", "request", req.ID)
	return true
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
