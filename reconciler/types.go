package reconciler

import "time"

// Options tunes reconciliation behavior
type Options struct {
	// Accounts swept by the anti-entropy path
	Accounts []string
	// ConfirmationSweeps is how many consecutive sweeps must miss a
	// resource before it is tombstoned and its findings resolved
	ConfirmationSweeps int
}

// DefaultOptions returns the standard reconciliation settings
func DefaultOptions() Options {
	return Options{ConfirmationSweeps: 2}
}

// SweepResult reports what one anti-entropy sweep did
type SweepResult struct {
	ScanID           string        `json:"scan_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Processed        int           `json:"processed"`
	Skipped          int           `json:"skipped"`
	Failed           int           `json:"failed"`
	FindingsOpened   int           `json:"findings_opened"`
	FindingsResolved int           `json:"findings_resolved"`
	ResourcesGone    int           `json:"resources_gone"`
}

// evalOutcome tallies finding transitions from one resource evaluation
type evalOutcome struct {
	evaluated int
	failed    int
	opened    int
	resolved  int
}

func (o *evalOutcome) add(other evalOutcome) {
	o.evaluated += other.evaluated
	o.failed += other.failed
	o.opened += other.opened
	o.resolved += other.resolved
}
