package pipeline

import (
	"time"

	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/feed"
	"trading-pipeline/internal/persistence"
	"trading-pipeline/internal/reconciliation"
)

// SourceCommand tags intents and closes issued through the command surface.
const SourceCommand = "command"

// Status is a point-in-time view of the whole pipeline.
type Status struct {
	Running   bool      `json:"running"`
	DryRun    bool      `json:"dry_run"`
	StartedAt time.Time `json:"started_at"`
	Universe  []string  `json:"universe"`

	// Signal
	ReferenceSymbol string   `json:"reference_symbol"`
	Epoch           int      `json:"epoch"`
	DispatchEpoch   int      `json:"dispatch_epoch"`
	Held            []string `json:"held"`

	// Feed
	Handler string      `json:"handler"`
	Feed    feed.Status `json:"feed"`

	// Execution
	QueueDepth int `json:"queue_depth"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`

	Reconcile   *reconciliation.Report        `json:"reconcile,omitempty"`
	Persistence *persistence.BatchWriterStats `json:"persistence,omitempty"`
	BusDropped  uint64                        `json:"bus_dropped"`
}

// LedgerView splits the in-memory ledger by outcome.
type LedgerView struct {
	Successful []execution.LedgerEntry `json:"successful"`
	Failed     []execution.LedgerEntry `json:"failed"`
}
