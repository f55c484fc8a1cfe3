package policy

import (
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"satchel/engine/library"
)

// Verdict is the outcome of a spending check.
type Verdict int

const (
	VerdictAllow Verdict = iota
	// VerdictNeedsApproval means nothing is dispatched now; the request goes
	// to the pending queue and waits for the operator.
	VerdictNeedsApproval
	VerdictDeny
)

// DenyClass splits denials into the two shapes callers report differently:
// a spent budget versus a payment the policy forbids outright.
type DenyClass int

const (
	DenyNone DenyClass = iota
	DenyQuota
	DenyRestricted
)

type Decision struct {
	Verdict Verdict
	Class   DenyClass
	Reason  string
}

func allow() Decision { return Decision{Verdict: VerdictAllow} }

func deny(class DenyClass, reason string) Decision {
	return Decision{Verdict: VerdictDeny, Class: class, Reason: reason}
}

// Engine serializes spending checks so that checking a policy and recording
// the payment against it happen in one critical section. Two concurrent
// payments can never both pass a check against the same remaining budget.
type Engine struct {
	mu      deadlock.Mutex
	now     func() time.Time
	persist func(clientPub string, s *SpendingPolicy) error
}

// NewEngine wires the persistence hook that is called after every policy
// mutation. The hook runs inside the critical section.
func NewEngine(persist func(clientPub string, s *SpendingPolicy) error) *Engine {
	return &Engine{now: time.Now, persist: persist}
}

// CheckAndReserve decides whether a payment may proceed and, when it may,
// records it against the policy before returning. The reservation happens
// before dispatch; callers must Release on terminal failure so the budget is
// given back.
func (e *Engine) CheckAndReserve(clientPub string, s *SpendingPolicy, amountMsat int64, hash string) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	switch s.Kind {
	case PolicyRequireApproval:
		return Decision{Verdict: VerdictNeedsApproval}, nil

	case PolicySingleUse:
		if s.ConsumedHash != "" {
			return deny(DenyRestricted, "single use connection has already been spent"), nil
		}
		if amountMsat > s.AmountMsat {
			return deny(DenyRestricted, fmt.Sprintf("amount %d msat exceeds single use limit %d msat", amountMsat, s.AmountMsat)), nil
		}
		s.ConsumedHash = hash
		if err := e.persist(clientPub, s); err != nil {
			s.ConsumedHash = ""
			return Decision{}, err
		}
		return allow(), nil

	case PolicyBudgeted:
		if s.SingleMaxMsat > 0 && amountMsat > s.SingleMaxMsat {
			return deny(DenyRestricted, fmt.Sprintf("amount %d msat exceeds per payment limit %d msat", amountMsat, s.SingleMaxMsat)), nil
		}
		remaining := s.BudgetRemaining(now)
		if amountMsat > remaining {
			library.LogCLI(fmt.Sprintf("budget denial for %s: wanted %d msat, %d msat remaining", clientPub, amountMsat, remaining), 3)
			return deny(DenyQuota, fmt.Sprintf("%d msat remaining in budget period", remaining)), nil
		}
		s.Payments = append(s.Payments, TrackedPayment{Time: now.Unix(), AmountMsat: amountMsat, Hash: hash})
		if err := e.persist(clientPub, s); err != nil {
			s.Payments = s.Payments[:len(s.Payments)-1]
			return Decision{}, err
		}
		return allow(), nil
	}
	return deny(DenyRestricted, "unknown spending policy"), nil
}

// Release gives a reservation back after a payment terminally failed. For a
// single use policy the connection becomes spendable again; for a budget the
// tracked payment is removed. Unknown hashes are a noop.
func (e *Engine) Release(clientPub string, s *SpendingPolicy, hash string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch s.Kind {
	case PolicySingleUse:
		if s.ConsumedHash != hash {
			return nil
		}
		s.ConsumedHash = ""
	case PolicyBudgeted:
		found := false
		kept := s.Payments[:0]
		for _, p := range s.Payments {
			if !found && p.Hash == hash {
				found = true
				continue
			}
			kept = append(kept, p)
		}
		if !found {
			return nil
		}
		s.Payments = kept
	default:
		return nil
	}
	return e.persist(clientPub, s)
}

// Remaining is the locked read used by status surfaces.
func (e *Engine) Remaining(s *SpendingPolicy) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.BudgetRemaining(e.now())
}
