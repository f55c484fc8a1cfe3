package nwc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"satchel/engine/library"
	"satchel/payments"
	"satchel/policy"
	"satchel/telemetry"
)

const defaultInvoiceExpiry = 86400 //seconds

func (p *Processor) handleGetInfo(ctx context.Context, event nostr.Event) {
	network := "mainnet"
	if sessions := p.registry.All(); len(sessions) > 0 {
		if n := sessions[0].Network(); n != "" {
			network = n
		}
	}
	p.respond(event.PubKey, event.ID, "", resultResponse(MethodGetInfo, GetInfoResult{
		Alias:   "satchel",
		Pubkey:  p.pub,
		Network: network,
		Methods: SupportedMethods,
	}))
}

func (p *Processor) handleGetBalance(ctx context.Context, event nostr.Event) {
	total := p.registry.TotalBalance(ctx)
	p.respond(event.PubKey, event.ID, "", resultResponse(MethodGetBalance, GetBalanceResult{BalanceMsat: total}))
}

func (p *Processor) handleMakeInvoice(ctx context.Context, event nostr.Event, raw json.RawMessage) {
	var params MakeInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodMakeInvoice, CodeOther, "malformed params"))
		return
	}
	if params.AmountMsat <= 0 {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodMakeInvoice, CodeOther, "amount must be positive"))
		return
	}
	sessions := p.registry.All()
	if len(sessions) == 0 {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodMakeInvoice, CodeInternal, "no federations joined"))
		return
	}
	session := sessions[0]
	gateway, err := payments.SelectGateway(ctx, session)
	if err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodMakeInvoice, CodeInternal, err.Error()))
		return
	}
	expiry := params.Expiry
	if expiry <= 0 {
		expiry = defaultInvoiceExpiry
	}
	operationID, invoice, err := p.dispatcher.MakeInvoice(ctx, session, gateway, params.AmountMsat, params.Description, expiry)
	if err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodMakeInvoice, CodeInternal, err.Error()))
		return
	}
	bolt11, err := payments.DecodeInvoice(invoice)
	if err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodMakeInvoice, CodeInternal, "federation returned an unparseable invoice"))
		return
	}
	rec := InvoiceRecord{
		Bolt11:       invoice,
		PaymentHash:  bolt11.PaymentHash,
		AmountMsat:   params.AmountMsat,
		Description:  params.Description,
		FederationID: session.FederationID(),
		OperationID:  operationID,
		CreatedAt:    int64(bolt11.CreatedAt),
		ExpiresAt:    int64(bolt11.CreatedAt) + expiry,
	}
	if err := p.ledger.SaveInvoice(rec); err != nil {
		library.LogCLI(err.Error(), 2)
	}

	//mark the record settled once the invoice is claimed
	go func() {
		if err := p.dispatcher.AwaitReceive(context.Background(), session, operationID); err != nil {
			library.LogCLI(fmt.Sprintf("invoice %s not claimed: %s", rec.PaymentHash, err), 3)
			return
		}
		if err := p.ledger.MarkInvoiceSettled(rec.PaymentHash, p.now().Unix()); err != nil {
			library.LogCLI(err.Error(), 2)
		}
	}()

	p.respond(event.PubKey, event.ID, "", resultResponse(MethodMakeInvoice, InvoiceResult{
		Type:        "incoming",
		Invoice:     invoice,
		Description: params.Description,
		PaymentHash: rec.PaymentHash,
		AmountMsat:  params.AmountMsat,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}))
}

func (p *Processor) handleLookupInvoice(ctx context.Context, event nostr.Event, raw json.RawMessage) {
	var params LookupInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodLookupInvoice, CodeOther, "malformed params"))
		return
	}
	hash := params.PaymentHash
	if hash == "" && params.Invoice != "" {
		bolt11, err := payments.DecodeInvoice(params.Invoice)
		if err != nil {
			p.respond(event.PubKey, event.ID, "", errorResponse(MethodLookupInvoice, CodeOther, "unparseable invoice"))
			return
		}
		hash = bolt11.PaymentHash
	}
	if hash == "" {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodLookupInvoice, CodeOther, "payment_hash or invoice required"))
		return
	}

	if rec, found, err := p.ledger.GetInvoice(hash); err == nil && found {
		p.respond(event.PubKey, event.ID, "", resultResponse(MethodLookupInvoice, InvoiceResult{
			Type:        "incoming",
			Invoice:     rec.Bolt11,
			Description: rec.Description,
			PaymentHash: rec.PaymentHash,
			Preimage:    rec.Preimage,
			AmountMsat:  rec.AmountMsat,
			CreatedAt:   rec.CreatedAt,
			ExpiresAt:   rec.ExpiresAt,
			SettledAt:   rec.SettledAt,
		}))
		return
	}
	if rec, found, err := p.ledger.GetPayment(hash); err == nil && found {
		p.respond(event.PubKey, event.ID, "", resultResponse(MethodLookupInvoice, InvoiceResult{
			Type:        "outgoing",
			Invoice:     rec.Bolt11,
			PaymentHash: rec.PaymentHash,
			Preimage:    rec.Preimage,
			AmountMsat:  rec.AmountMsat,
			FeesPaid:    rec.FeeMsat,
			CreatedAt:   rec.CreatedAt,
			SettledAt:   rec.SettledAt,
		}))
		return
	}
	p.respond(event.PubKey, event.ID, "", errorResponse(MethodLookupInvoice, CodeNotFound, "no invoice or payment with that hash"))
}

func (p *Processor) handlePayInvoice(ctx context.Context, event nostr.Event, profile *policy.Profile, raw json.RawMessage) {
	var params PayInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodPayInvoice, CodeOther, "malformed params"))
		return
	}
	p.payPipeline(ctx, MethodPayInvoice, event.PubKey, event.ID, "", profile, params.Invoice, false)
}

// handleMultiPayInvoice fans each item out to its own goroutine running the
// full pipeline. Every item gets its own response carrying the item's id, or
// its payment hash when the caller did not set one, in a d tag. A failing
// sibling never cancels the others.
func (p *Processor) handleMultiPayInvoice(ctx context.Context, event nostr.Event, profile *policy.Profile, raw json.RawMessage) {
	var params MultiPayInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(MethodMultiPayInvoice, CodeOther, "malformed params"))
		return
	}
	for _, item := range params.Invoices {
		item := item
		identifier := item.ID
		if identifier == "" {
			if bolt11, err := payments.DecodeInvoice(item.Invoice); err == nil {
				identifier = bolt11.PaymentHash
			}
		}
		go p.payPipeline(ctx, MethodMultiPayInvoice, event.PubKey, event.ID, identifier, profile, item.Invoice, false)
	}
}

// payPipeline is the full outbound path: validate, dedupe against the
// ledger, check policy, pick a federation, dispatch, fold to a terminal
// outcome and answer. Exactly one response per invocation, except when the
// policy parks the payment for approval.
func (p *Processor) payPipeline(ctx context.Context, method, clientPub, requestID, identifier string, profile *policy.Profile, invoice string, skipPolicy bool) {
	bolt11, err := payments.DecodeInvoice(invoice)
	if err != nil {
		p.respond(clientPub, requestID, identifier, errorResponse(method, CodeOther, "unparseable invoice"))
		return
	}
	if err := payments.ValidateInvoice(bolt11, p.now()); err != nil {
		p.respond(clientPub, requestID, identifier, errorResponse(method, CodeOther, err.Error()))
		return
	}
	hash := bolt11.PaymentHash
	amount := bolt11.MSatoshi

	//a redelivered request for an already settled hash is answered from the
	//ledger, never paid twice
	if rec, found, err := p.ledger.GetPayment(hash); err == nil && found && rec.Settled() {
		p.respond(clientPub, requestID, identifier, resultResponse(method, PayInvoiceResult{Preimage: rec.Preimage, FeesPaid: rec.FeeMsat}))
		return
	}

	reserved := false
	if !skipPolicy {
		decision, err := p.engine.CheckAndReserve(profile.ClientPub, &profile.Policy, amount, hash)
		if err != nil {
			p.respond(clientPub, requestID, identifier, errorResponse(method, CodeInternal, err.Error()))
			return
		}
		switch decision.Verdict {
		case policy.VerdictNeedsApproval:
			expiry := int64(bolt11.Expiry)
			if expiry <= 0 {
				expiry = 3600
			}
			err := p.pending.Save(policy.PendingInvoice{
				EventID:    requestID,
				ClientPub:  clientPub,
				Identifier: identifier,
				Bolt11:     invoice,
				AmountMsat: amount,
				Hash:       hash,
				ExpiresAt:  int64(bolt11.CreatedAt) + expiry,
			})
			if err != nil {
				p.respond(clientPub, requestID, identifier, errorResponse(method, CodeInternal, err.Error()))
				return
			}
			library.LogCLI(fmt.Sprintf("payment of %d msat awaiting approval (hash %s)", amount, hash), 4)
			return
		case policy.VerdictDeny:
			telemetry.PolicyDenials.Inc()
			code := CodeRestricted
			if decision.Class == policy.DenyQuota {
				code = CodeQuotaExceeded
			}
			p.respond(clientPub, requestID, identifier, errorResponse(method, code, decision.Reason))
			return
		}
		reserved = true
	}

	release := func() {
		if !reserved {
			return
		}
		if err := p.engine.Release(profile.ClientPub, &profile.Policy, hash); err != nil {
			library.LogCLI(err.Error(), 2)
		}
	}

	session := p.selectFederation(ctx, amount)
	if session == nil {
		release()
		p.respond(clientPub, requestID, identifier, errorResponse(method, CodeInsufficientBalance, "no federation holds enough balance"))
		return
	}
	gateway, err := payments.SelectGateway(ctx, session)
	if err != nil {
		release()
		p.respond(clientPub, requestID, identifier, errorResponse(method, CodeInternal, err.Error()))
		return
	}

	if err := p.ledger.SavePayment(PaymentRecord{
		Bolt11:       invoice,
		PaymentHash:  hash,
		AmountMsat:   amount,
		ClientPub:    clientPub,
		FederationID: session.FederationID(),
		State:        PaymentPending,
	}); err != nil {
		library.LogCLI(err.Error(), 2)
	}

	handle, err := p.dispatcher.PayInvoice(ctx, session, gateway, invoice)
	if err != nil {
		release()
		if lerr := p.ledger.MarkPaymentFailed(hash); lerr != nil {
			library.LogCLI(lerr.Error(), 2)
		}
		p.respond(clientPub, requestID, identifier, errorResponse(method, CodePaymentFailed, err.Error()))
		return
	}
	telemetry.PaymentsDispatched.Inc()

	outcome, err := p.dispatcher.AwaitTerminal(ctx, session, handle, false)
	if err != nil {
		//context cancelled mid-flight; the payment may still settle, so the
		//reservation stays and the record stays pending
		p.respond(clientPub, requestID, identifier, errorResponse(method, CodeInternal, err.Error()))
		return
	}
	if outcome.Status == payments.OutcomeSuccess {
		if err := p.ledger.MarkPaymentSettled(hash, outcome.Preimage, outcome.FeeMsat, p.now().Unix()); err != nil {
			library.LogCLI(err.Error(), 2)
		}
		telemetry.PaymentsMsat.Add(float64(amount))
		p.respond(clientPub, requestID, identifier, resultResponse(method, PayInvoiceResult{Preimage: outcome.Preimage, FeesPaid: outcome.FeeMsat}))
		return
	}
	release()
	if err := p.ledger.MarkPaymentFailed(hash); err != nil {
		library.LogCLI(err.Error(), 2)
	}
	reason := outcome.Reason
	if reason == "" {
		reason = "payment did not settle"
	}
	p.respond(clientPub, requestID, identifier, errorResponse(method, CodePaymentFailed, reason))
}

// ApprovePending dispatches a payment the operator has approved and answers
// the original request. The policy check is skipped: approval is the check.
func (p *Processor) ApprovePending(ctx context.Context, eventID string) error {
	pend, found, err := p.pending.Get(eventID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no pending invoice for event %s", eventID)
	}
	if err := p.pending.Delete(eventID); err != nil {
		return err
	}
	if pend.IsExpired(p.now()) {
		p.respond(pend.ClientPub, pend.EventID, pend.Identifier, errorResponse(MethodPayInvoice, CodeOther, "invoice expired before approval"))
		return fmt.Errorf("invoice expired before approval")
	}
	profile, found, err := p.loadProfile(pend.ClientPub)
	if err != nil {
		return err
	}
	if !found {
		p.respond(pend.ClientPub, pend.EventID, pend.Identifier, errorResponse(MethodPayInvoice, CodeUnauthorized, "connection no longer exists"))
		return fmt.Errorf("no profile for %s", pend.ClientPub)
	}
	p.payPipeline(ctx, MethodPayInvoice, pend.ClientPub, pend.EventID, pend.Identifier, profile, pend.Bolt11, true)
	return nil
}

// DenyPending refuses a parked payment and answers the original request.
func (p *Processor) DenyPending(eventID string) error {
	pend, found, err := p.pending.Get(eventID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no pending invoice for event %s", eventID)
	}
	if err := p.pending.Delete(eventID); err != nil {
		return err
	}
	p.respond(pend.ClientPub, pend.EventID, pend.Identifier, errorResponse(MethodPayInvoice, CodeRestricted, "payment denied by operator"))
	return nil
}

// SweepExpired removes parked payments whose invoices have lapsed and
// answers each with an error. Run periodically by the daemon.
func (p *Processor) SweepExpired() {
	expired, err := p.pending.Expired(p.now())
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	for _, pend := range expired {
		if err := p.pending.Delete(pend.EventID); err != nil {
			library.LogCLI(err.Error(), 2)
			continue
		}
		p.respond(pend.ClientPub, pend.EventID, pend.Identifier, errorResponse(MethodPayInvoice, CodeOther, "invoice expired before approval"))
	}
	if len(expired) > 0 {
		library.LogCLI(fmt.Sprintf("swept %d expired pending payments", len(expired)), 4)
	}
}

// PendingApprovals lists parked payments oldest first.
func (p *Processor) PendingApprovals() ([]policy.PendingInvoice, error) {
	return p.pending.All()
}
