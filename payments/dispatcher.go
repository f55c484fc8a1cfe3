package payments

import (
	"context"
	"errors"
	"fmt"

	"satchel/fedimint"
)

// ErrPaymentFailed is the terminal error class for refunded, canceled and
// unexpectedly failed payments.
var ErrPaymentFailed = errors.New("payment failed")

// OutcomeStatus is the terminal shape both payment kinds fold into.
type OutcomeStatus int

const (
	// OutcomePending means funds are committed but settlement has not been
	// observed yet; only returned when AwaitTerminal is told to come back
	// early on funding.
	OutcomePending OutcomeStatus = iota
	OutcomeSuccess
	OutcomeRefunded
	OutcomeCanceled
	OutcomeFailed
)

type Outcome struct {
	Status   OutcomeStatus
	Preimage string
	FeeMsat  int64
	Reason   string
}

// Terminal reports whether no further transition can occur.
func (o Outcome) Terminal() bool { return o.Status != OutcomePending }

// Dispatcher issues Lightning operations against a selected session and
// gateway and folds their asynchronous state streams to terminal outcomes.
type Dispatcher struct{}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// PayInvoice starts an outbound payment and returns a correlation handle
// immediately; settlement is asynchronous.
func (d *Dispatcher) PayInvoice(ctx context.Context, session fedimint.Session, gateway fedimint.Gateway, bolt11 string) (fedimint.PayHandle, error) {
	return session.Lightning().PayBolt11(ctx, gateway, bolt11)
}

// MakeInvoice requests an inbound invoice from the federation.
func (d *Dispatcher) MakeInvoice(ctx context.Context, session fedimint.Session, gateway fedimint.Gateway, amountMsat int64, description string, expirySecs int64) (string, string, error) {
	return session.Lightning().CreateBolt11(ctx, gateway, amountMsat, description, expirySecs)
}

// AwaitTerminal subscribes to the payment's state stream and folds it to a
// terminal outcome. With returnOnFunding set it comes back with
// OutcomePending as soon as funds are committed, so callers can finish in
// the background and poll later. There is no hard timeout here: the fold
// runs until a terminal state, the stream ends, or ctx is cancelled.
func (d *Dispatcher) AwaitTerminal(ctx context.Context, session fedimint.Session, handle fedimint.PayHandle, returnOnFunding bool) (Outcome, error) {
	switch handle.Kind {
	case fedimint.PayKindInternal:
		updates, err := session.Lightning().SubscribeInternalPay(ctx, handle.OperationID)
		if err != nil {
			return Outcome{}, err
		}
		return foldInternal(ctx, updates, handle, returnOnFunding)
	default:
		updates, err := session.Lightning().SubscribeLnPay(ctx, handle.OperationID)
		if err != nil {
			return Outcome{}, err
		}
		return foldLightning(ctx, updates, handle, returnOnFunding)
	}
}

func foldLightning(ctx context.Context, updates <-chan fedimint.LnPayUpdate, handle fedimint.PayHandle, returnOnFunding bool) (Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case update, open := <-updates:
			if !open {
				return Outcome{Status: OutcomeFailed, Reason: "unexpected end of payment stream"}, nil
			}
			switch update.State {
			case fedimint.LnPaySuccess:
				return Outcome{Status: OutcomeSuccess, Preimage: update.Preimage, FeeMsat: handle.FeeMsat}, nil
			case fedimint.LnPayRefunded:
				return Outcome{Status: OutcomeRefunded, Reason: update.Reason}, nil
			case fedimint.LnPayCanceled:
				return Outcome{Status: OutcomeCanceled, Reason: "payment was canceled"}, nil
			case fedimint.LnPayUnexpectedError:
				return Outcome{Status: OutcomeFailed, Reason: update.Reason}, nil
			case fedimint.LnPayFunded:
				if returnOnFunding {
					return Outcome{Status: OutcomePending}, nil
				}
			case fedimint.LnPayCreated, fedimint.LnPayAwaitingChange, fedimint.LnPayWaitingForRefund:
				//non-terminal
			}
		}
	}
}

func foldInternal(ctx context.Context, updates <-chan fedimint.InternalPayUpdate, handle fedimint.PayHandle, returnOnFunding bool) (Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case update, open := <-updates:
			if !open {
				return Outcome{Status: OutcomeFailed, Reason: "unexpected end of payment stream"}, nil
			}
			switch update.State {
			case fedimint.InternalPayPreimage:
				return Outcome{Status: OutcomeSuccess, Preimage: update.Preimage, FeeMsat: 0}, nil
			case fedimint.InternalPayRefundSuccess:
				return Outcome{Status: OutcomeRefunded, Reason: update.Reason}, nil
			case fedimint.InternalPayRefundError, fedimint.InternalPayFundingFailed, fedimint.InternalPayUnexpectedError:
				return Outcome{Status: OutcomeFailed, Reason: update.Reason}, nil
			case fedimint.InternalPayFunding:
				if returnOnFunding {
					return Outcome{Status: OutcomePending}, nil
				}
			}
		}
	}
}

// AwaitReceive folds an issued invoice's state stream until it is claimed or
// canceled.
func (d *Dispatcher) AwaitReceive(ctx context.Context, session fedimint.Session, operationID string) error {
	updates, err := session.Lightning().SubscribeLnReceive(ctx, operationID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, open := <-updates:
			if !open {
				return fmt.Errorf("unexpected end of receive stream")
			}
			switch update.State {
			case fedimint.LnReceiveClaimed:
				return nil
			case fedimint.LnReceiveCanceled:
				return fmt.Errorf("invoice canceled: %s", update.Reason)
			}
		}
	}
}
