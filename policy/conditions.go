// Package policy gates payments behind per-caller spending conditions.
package policy

import (
	"time"
)

// PolicyKind tags the spending policy union.
type PolicyKind int

const (
	// PolicyRequireApproval is the default: every payment needs manual
	// confirmation and nothing is dispatched automatically.
	PolicyRequireApproval PolicyKind = iota
	// PolicySingleUse allows exactly one payment, then burns itself.
	PolicySingleUse
	// PolicyBudgeted allows payments against a recurring or rolling budget
	// window.
	PolicyBudgeted
)

// BudgetPeriodKind names the window over which a budget applies.
type BudgetPeriodKind int

const (
	// PeriodDay resets daily at midnight UTC.
	PeriodDay BudgetPeriodKind = iota
	// PeriodWeek resets every week on Sunday, midnight UTC.
	PeriodWeek
	// PeriodMonth resets every month on the first, midnight UTC.
	PeriodMonth
	// PeriodYear resets every year on January 1st, midnight UTC.
	PeriodYear
	// PeriodSeconds counts payments not older than Seconds seconds.
	PeriodSeconds
)

type BudgetPeriod struct {
	Kind    BudgetPeriodKind `json:"kind"`
	Seconds int64            `json:"seconds,omitempty"`
}

// TrackedPayment is one accepted payment inside the current budget window.
type TrackedPayment struct {
	Time       int64  `json:"time"` //seconds since epoch
	AmountMsat int64  `json:"amount_msat"`
	Hash       string `json:"hash"`
}

// SpendingPolicy is a tagged union; only the fields of the tagged kind are
// meaningful.
type SpendingPolicy struct {
	Kind PolicyKind `json:"kind"`

	//single use
	AmountMsat   int64  `json:"amount_msat,omitempty"`
	ConsumedHash string `json:"consumed_hash,omitempty"`

	//budgeted
	BudgetMsat    int64            `json:"budget_msat,omitempty"`
	SingleMaxMsat int64            `json:"single_max_msat,omitempty"` //0 means unset
	Period        BudgetPeriod     `json:"period,omitempty"`
	Payments      []TrackedPayment `json:"payments,omitempty"`
}

// periodStart returns the instant before which tracked payments no longer
// count against the budget.
func (p BudgetPeriod) periodStart(now time.Time) time.Time {
	now = now.UTC()
	switch p.Kind {
	case PeriodDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeek:
		sunday := now.AddDate(0, 0, -int(now.Weekday()))
		return time.Date(sunday.Year(), sunday.Month(), sunday.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYear:
		return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case PeriodSeconds:
		return now.Add(-time.Duration(p.Seconds) * time.Second)
	}
	return now
}

// prune drops tracked payments older than the current window. Pruning is a
// side effect of every read, not a scheduled task.
func (s *SpendingPolicy) prune(now time.Time) {
	start := s.Period.periodStart(now).Unix()
	kept := s.Payments[:0]
	for _, p := range s.Payments {
		if p.Time > start {
			kept = append(kept, p)
		}
	}
	s.Payments = kept
}

func (s *SpendingPolicy) sumPayments(now time.Time) int64 {
	s.prune(now)
	var sum int64
	for _, p := range s.Payments {
		if sum > maxMsat-p.AmountMsat {
			return maxMsat
		}
		sum += p.AmountMsat
	}
	return sum
}

// BudgetRemaining recomputes the window, prunes expired entries and returns
// what is left of the budget. Zero for non-budgeted policies.
func (s *SpendingPolicy) BudgetRemaining(now time.Time) int64 {
	if s.Kind != PolicyBudgeted {
		return 0
	}
	remaining := s.BudgetMsat - s.sumPayments(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// maxMsat caps sums so they saturate instead of wrapping. 21 million bitcoin
// in millisatoshi still fits an int64 several hundred times over.
const maxMsat = int64(1) << 62
