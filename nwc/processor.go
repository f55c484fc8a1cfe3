package nwc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/library"
	"satchel/federation"
	"satchel/fedimint"
	"satchel/payments"
	"satchel/policy"
	"satchel/telemetry"
)

// Publisher hands a signed event to the transport layer.
type Publisher func(event nostr.Event)

// Processor turns incoming kind 23194 events into wallet operations and
// publishes encrypted kind 23195 responses. One instance serves all profiles.
type Processor struct {
	registry   *federation.Registry
	dispatcher *payments.Dispatcher
	profiles   *policy.ProfileStore
	pending    *policy.PendingStore
	engine     *policy.Engine
	ledger     *Ledger
	publish    Publisher

	secret string //server nostr key, hex
	pub    string

	//one shared Profile instance per client, so concurrent payments all
	//reserve against the same policy state
	cacheMu      deadlock.Mutex
	profileCache map[string]*policy.Profile

	now func() time.Time
}

func NewProcessor(registry *federation.Registry, dispatcher *payments.Dispatcher, profiles *policy.ProfileStore, pending *policy.PendingStore, ledger *Ledger, serverSecret string, publish Publisher) (*Processor, error) {
	pub, err := nostr.GetPublicKey(serverSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid server key: %w", err)
	}
	p := &Processor{
		registry:     registry,
		dispatcher:   dispatcher,
		profiles:     profiles,
		pending:      pending,
		ledger:       ledger,
		publish:      publish,
		secret:       serverSecret,
		pub:          pub,
		profileCache: make(map[string]*policy.Profile),
		now:          time.Now,
	}
	p.engine = policy.NewEngine(func(clientPub string, s *policy.SpendingPolicy) error {
		prof, found, err := profiles.Get(clientPub)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no profile for %s", clientPub)
		}
		prof.Policy = *s
		return profiles.Save(prof)
	})
	return p, nil
}

// loadProfile returns the shared in-memory instance for a client, reading it
// from the store on first use.
func (p *Processor) loadProfile(clientPub string) (*policy.Profile, bool, error) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if prof, ok := p.profileCache[clientPub]; ok {
		return prof, true, nil
	}
	prof, found, err := p.profiles.Get(clientPub)
	if err != nil || !found {
		return nil, false, err
	}
	p.profileCache[clientPub] = &prof
	return &prof, true, nil
}

// InvalidateProfile drops the cached instance after an out-of-band profile
// change (new connection, archive, policy edit).
func (p *Processor) InvalidateProfile(clientPub string) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	delete(p.profileCache, clientPub)
}

// ServerPubKey is the identity controllers address their requests to.
func (p *Processor) ServerPubKey() string { return p.pub }

// HandleEvent processes one request event end to end. Events not addressed
// to us are dropped; undecryptable or malformed payloads get a best-effort
// generic error. Anything from a known profile gets exactly one response per
// request, except payments parked for approval, which are answered when the
// operator acts.
func (p *Processor) HandleEvent(ctx context.Context, event nostr.Event) {
	if event.Kind != KindRequest {
		return
	}
	if target, ok := library.GetFirstTag(event, "p"); !ok || target != p.pub {
		return
	}
	shared, err := nip04.ComputeSharedSecret(event.PubKey, p.secret)
	if err != nil {
		library.LogCLI(fmt.Sprintf("cannot compute shared secret for %s: %s", event.PubKey, err), 3)
		return
	}
	plaintext, err := nip04.Decrypt(event.Content, shared)
	if err != nil {
		library.LogCLI(fmt.Sprintf("cannot decrypt request %s: %s", event.ID, err), 3)
		p.respond(event.PubKey, event.ID, "", errorResponse("", CodeOther, "could not decrypt request"))
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		library.LogCLI(fmt.Sprintf("malformed request %s: %s", event.ID, err), 3)
		p.respond(event.PubKey, event.ID, "", errorResponse("", CodeOther, "malformed request"))
		return
	}
	telemetry.RequestsProcessed.WithLabelValues(req.Method).Inc()

	profile, found, err := p.loadProfile(event.PubKey)
	if err != nil {
		p.respond(event.PubKey, event.ID, "", errorResponse(req.Method, CodeInternal, err.Error()))
		return
	}
	if !found || !profile.Active() {
		p.respond(event.PubKey, event.ID, "", errorResponse(req.Method, CodeUnauthorized, "no active connection for this key"))
		return
	}
	if !profile.MayInvoke(req.Method) {
		p.respond(event.PubKey, event.ID, "", errorResponse(req.Method, CodeRestricted, "method not permitted for this connection"))
		return
	}

	switch req.Method {
	case MethodGetInfo:
		p.handleGetInfo(ctx, event)
	case MethodGetBalance:
		p.handleGetBalance(ctx, event)
	case MethodMakeInvoice:
		p.handleMakeInvoice(ctx, event, req.Params)
	case MethodLookupInvoice:
		p.handleLookupInvoice(ctx, event, req.Params)
	case MethodPayInvoice:
		p.handlePayInvoice(ctx, event, profile, req.Params)
	case MethodMultiPayInvoice:
		p.handleMultiPayInvoice(ctx, event, profile, req.Params)
	case MethodPayKeysend, MethodMultiPayKeysend:
		p.respond(event.PubKey, event.ID, "", errorResponse(req.Method, CodeNotImplemented, "keysend is not supported by federation gateways"))
	default:
		p.respond(event.PubKey, event.ID, "", errorResponse(req.Method, CodeNotImplemented, "unknown method"))
	}
}

// respond encrypts and publishes one response, correlated to the request by
// an e tag and, for multi_pay items, a d tag.
func (p *Processor) respond(clientPub, requestID, identifier string, resp Response) {
	shared, err := nip04.ComputeSharedSecret(clientPub, p.secret)
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	content, err := nip04.Encrypt(string(payload), shared)
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	tags := nostr.Tags{{"p", clientPub}, {"e", requestID}}
	if identifier != "" {
		tags = append(tags, nostr.Tag{"d", identifier})
	}
	response := nostr.Event{
		PubKey:    p.pub,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Kind:      KindResponse,
		Tags:      tags,
		Content:   content,
	}
	response.ID = response.GetID()
	if err := response.Sign(p.secret); err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	p.publish(response)
}

// PublishInfo broadcasts the kind 13194 capability event. The caller guards
// against re-broadcast with the sent_info latch in the keys file.
func (p *Processor) PublishInfo() {
	info := nostr.Event{
		PubKey:    p.pub,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Kind:      KindInfo,
		Content:   strings.Join(SupportedMethods, " "),
	}
	info.ID = info.GetID()
	if err := info.Sign(p.secret); err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	p.publish(info)
}

// selectFederation picks the first joined federation, in sorted id order,
// whose balance covers the amount.
func (p *Processor) selectFederation(ctx context.Context, amountMsat int64) fedimint.Session {
	for _, session := range p.registry.All() {
		msat, err := session.Balance(ctx)
		if err != nil {
			library.LogCLI(fmt.Sprintf("failed to get balance for %s: %s", session.FederationID(), err), 2)
			continue
		}
		if msat >= amountMsat {
			return session
		}
	}
	return nil
}
