package pollcat

import (
	"context"
	"fmt"
)

// Strategy names how a request's files are delivered.
type Strategy string

const (
	// StrategyVisit grants visit-group access and replicates into the shared visit tree.
	StrategyVisit Strategy = "visit"
	// StrategyGlobus copies the files into a per-user download directory.
	StrategyGlobus Strategy = "globus"
)

// ParseStrategy resolves a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyVisit, StrategyGlobus:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown strategy: %q", s)
	}
}

// Runner processes one download request.
// A non-nil error means the request failed fatally and nothing should be
// reported back as complete; per-visit and per-file problems live in the Report.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Report, error)
}
