// Package analysis computes deterministic statistics over a user's
// transaction ledger. Nothing here performs I/O.
package analysis

import (
	"time"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// Snapshot is the full analysis of one ledger.
type Snapshot struct {
	Core          CoreMetrics            `json:"core"`
	Cashflow      Cashflow               `json:"cashflow"`
	Categories    []CategoryShare        `json:"categories"`
	Credit        CreditMetrics          `json:"credit"`
	Income        IncomeSources          `json:"income"`
	Expenses      ExpenseSources         `json:"expenses"`
	Monthly       []MonthlyMetrics       `json:"monthly"`
	Anomalies     []Anomaly              `json:"anomalies"`
	Subscriptions []DetectedSubscription `json:"subscriptions"`
	HealthScore   int                    `json:"healthScore"`
	GeneratedAt   time.Time              `json:"generatedAt"`
}

// Options tune the engine.
type Options struct {
	MinOccurrences   int
	AnomalyThreshold float64
}

// Engine runs every analysis over a ledger.
type Engine struct {
	opts Options

	// Now is the reference clock for subscription activity and timestamps.
	Now func() time.Time
}

// NewEngine creates an engine, filling zero options with defaults.
func NewEngine(opts Options) *Engine {
	if opts.MinOccurrences == 0 {
		opts.MinOccurrences = DefaultMinSubscriptionOccurrences
	}
	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = DefaultAnomalyThreshold
	}
	return &Engine{opts: opts, Now: time.Now}
}

// Analyze computes a snapshot. The ledger belongs to a single user.
func (e *Engine) Analyze(txns []domain.Transaction) Snapshot {
	now := e.Now().UTC()

	var userID string
	if len(txns) > 0 {
		userID = txns[0].UserID
	}

	core := ComputeCoreMetrics(txns)
	credit := ComputeCredit(txns)

	return Snapshot{
		Core:          core,
		Cashflow:      ComputeCashflow(txns),
		Categories:    ComputeCategories(txns),
		Credit:        credit,
		Income:        ComputeIncomeSources(txns),
		Expenses:      ComputeExpenseSources(txns),
		Monthly:       ComputeMonthlyMetrics(txns),
		Anomalies:     DetectAnomalies(txns, e.opts.AnomalyThreshold),
		Subscriptions: DetectSubscriptions(userID, txns, e.opts.MinOccurrences, now),
		HealthScore:   ComputeHealthScore(core, credit),
		GeneratedAt:   now,
	}
}
