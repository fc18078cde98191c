package domain

import "time"

// ConfidenceGrade buckets a signal's quality. D-grade signals carry a zero
// risk multiplier and are rejected before sizing.
type ConfidenceGrade string

const (
	GradeA ConfidenceGrade = "A"
	GradeB ConfidenceGrade = "B"
	GradeC ConfidenceGrade = "C"
	GradeD ConfidenceGrade = "D"
)

// Signal is the immutable output of the signal scanner consumed by the
// intake pipeline. Signal generation itself lives outside this repository.
type Signal struct {
	Symbol          string
	Direction       Direction
	EntryPrice      float64
	Grade           ConfidenceGrade
	ConfluenceScore float64
	Strategy        string
	CreatedAt       time.Time

	// Optional structural levels from the scanner. Zero means absent.
	SwingLow  float64
	SwingHigh float64
}

// ExitKind discriminates the closed set of exit decisions the engine can
// produce. Using a closed enum instead of string comparisons keeps handling
// exhaustive at the call sites.
type ExitKind int

const (
	// ExitPartialTP1 closes a fraction of the remaining size and moves the
	// stop to breakeven.
	ExitPartialTP1 ExitKind = iota + 1
	// ExitTP2Full closes the entire remaining size at the second target.
	ExitTP2Full
	// ExitSLFull closes the entire remaining size at the stop. After TP1 the
	// stop sits at breakeven, so this is a risk-free stop.
	ExitSLFull
	// ExitExternal closes the ledger side of a position the exchange already
	// flattened (ghost position).
	ExitExternal
)

// String returns the wire/log name of the exit kind.
func (k ExitKind) String() string {
	switch k {
	case ExitPartialTP1:
		return "PARTIAL_TP1"
	case ExitTP2Full:
		return "TP2_FULL_EXIT"
	case ExitSLFull:
		return "SL_FULL_EXIT"
	case ExitExternal:
		return "EXTERNAL_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// PriceSource tags which fallback tier produced a resolved close price, so
// callers and tests can tell an exact fill price from a degraded estimate.
type PriceSource string

const (
	// PriceSourceFill is the trigger/fill price observed by the monitor.
	PriceSourceFill PriceSource = "FILL"
	// PriceSourceClosingTrade came from the exchange's trade history.
	PriceSourceClosingTrade PriceSource = "CLOSING_TRADE"
	// PriceSourceMarket is the current market price at resolution time.
	PriceSourceMarket PriceSource = "MARKET"
	// PriceSourceEntry is the worst-case fallback; PnL recorded as zero.
	PriceSourceEntry PriceSource = "ENTRY"
)

// ExitAction is the pure decision returned by the exit engine and the
// reconciliation guard. It carries no side effects; the monitor executes the
// exchange call and the ledger mutation.
type ExitAction struct {
	Kind        ExitKind
	Qty         float64
	Price       float64
	PriceSource PriceSource
}

// AdvisorDecision is the verdict of the optional AI advisor.
type AdvisorDecision string

const (
	AdvisorApproved AdvisorDecision = "APPROVED"
	AdvisorCaution  AdvisorDecision = "CAUTION"
	AdvisorRejected AdvisorDecision = "REJECTED"
)

// AdvisorVerdict carries the advisor's decision plus optional SL/TP distance
// multipliers. Zero multipliers mean "no adjustment".
type AdvisorVerdict struct {
	Decision     AdvisorDecision
	TPMultiplier float64
	SLMultiplier float64
	Confidence   float64
}
