// Package metrics holds the Prometheus counters pollcat exports and the
// optional HTTP server the polling daemon exposes them on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pollcat"

var (
	// RunsTotal counts finished runs.
	// Labels: strategy (visit, globus), status (ok, partial, failed)
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Total download requests processed",
	}, []string{"strategy", "status"})

	// FilesTotal counts requested files by outcome.
	// Labels: outcome (copied, failed, skipped)
	FilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_total",
		Help:      "Total requested files by outcome",
	}, []string{"outcome"})

	// BytesCopied counts bytes written into the destination tree.
	BytesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_copied_total",
		Help:      "Total bytes replicated",
	})

	// VisitsSkipped counts visits abandoned during a run.
	VisitsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "visits_skipped_total",
		Help:      "Total visits skipped because a sync phase failed",
	})

	// IDAllocationRetries counts lost compare-and-swap races on directory id counters.
	// Labels: attr (uidNumber, gidNumber)
	IDAllocationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "directory",
		Name:      "id_allocation_retries_total",
		Help:      "Total id allocation retries after a concurrent counter change",
	}, []string{"attr"})

	// PollErrors counts poll passes that could not list pending requests.
	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Total failed polls of the request source",
	})
)
