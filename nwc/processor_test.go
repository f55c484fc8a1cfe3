package nwc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"satchel/engine/library"
	"satchel/federation"
	"satchel/fedimint"
	"satchel/payments"
	"satchel/policy"
)

// Test vector from the bolt11 specification: 250000000 msat, created
// 2017-06-01, default one hour expiry.
const testInvoice = "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jsxqzpuaztrnwngzn3kdzw5hydlzf03qdgm2hdq27cqv3agm2awhz5se903vruatfhq77w3ls4evs3ch9zw97j25emudupq63nyw24cg27h2rspfj9srp"

type fakeLightning struct {
	gateways []fedimint.Gateway
	invoice  string
	payCalls atomic.Int32
}

func (f *fakeLightning) Gateways(context.Context) ([]fedimint.Gateway, error) {
	return f.gateways, nil
}
func (f *fakeLightning) UpdateGatewayCache(context.Context) error { return nil }
func (f *fakeLightning) PayBolt11(_ context.Context, _ fedimint.Gateway, _ string) (fedimint.PayHandle, error) {
	f.payCalls.Add(1)
	return fedimint.PayHandle{Kind: fedimint.PayKindLightning, OperationID: "op1", FeeMsat: 7}, nil
}
func (f *fakeLightning) CreateBolt11(_ context.Context, _ fedimint.Gateway, _ int64, _ string, _ int64) (string, string, error) {
	return "op2", f.invoice, nil
}
func (f *fakeLightning) SubscribeLnPay(context.Context, string) (<-chan fedimint.LnPayUpdate, error) {
	ch := make(chan fedimint.LnPayUpdate, 3)
	ch <- fedimint.LnPayUpdate{State: fedimint.LnPayCreated}
	ch <- fedimint.LnPayUpdate{State: fedimint.LnPayFunded}
	ch <- fedimint.LnPayUpdate{State: fedimint.LnPaySuccess, Preimage: "deadbeef"}
	close(ch)
	return ch, nil
}
func (f *fakeLightning) SubscribeInternalPay(context.Context, string) (<-chan fedimint.InternalPayUpdate, error) {
	ch := make(chan fedimint.InternalPayUpdate)
	close(ch)
	return ch, nil
}
func (f *fakeLightning) SubscribeLnReceive(context.Context, string) (<-chan fedimint.LnReceiveUpdate, error) {
	ch := make(chan fedimint.LnReceiveUpdate, 1)
	ch <- fedimint.LnReceiveUpdate{State: fedimint.LnReceiveClaimed}
	close(ch)
	return ch, nil
}

type fakeSession struct {
	id      library.FederationID
	balance int64
	ln      *fakeLightning
}

func (f *fakeSession) FederationID() library.FederationID     { return f.id }
func (f *fakeSession) Balance(context.Context) (int64, error) { return f.balance, nil }
func (f *fakeSession) Network() string                        { return "regtest" }
func (f *fakeSession) Meta() map[string]string                { return nil }
func (f *fakeSession) Lightning() fedimint.LightningModule    { return f.ln }
func (f *fakeSession) Close() error                           { return nil }

type fakeBuilder struct {
	sessions map[string]*fakeSession
}

func (f *fakeBuilder) ParseInvite(invite string) (library.FederationID, error) {
	return invite, nil
}
func (f *fakeBuilder) Build(_ context.Context, cfg fedimint.JoinConfig, _ []byte) (fedimint.Session, error) {
	return f.sessions[cfg.FederationID], nil
}

type harness struct {
	proc      *Processor
	profiles  *policy.ProfileStore
	pending   *policy.PendingStore
	ledger    *Ledger
	session   *fakeSession
	clientSK  string
	clientPub string
	published chan nostr.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "satchel.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	session := &fakeSession{
		id:      "aaaa1111",
		balance: 1_000_000_000,
		ln:      &fakeLightning{gateways: []fedimint.Gateway{{ID: "gw1"}}, invoice: testInvoice},
	}
	store, err := federation.NewStore(db)
	require.NoError(t, err)
	registry := federation.NewRegistry(store, &fakeBuilder{sessions: map[string]*fakeSession{"aaaa1111": session}}, []byte("root"))
	_, err = registry.Join(context.Background(), "aaaa1111", "")
	require.NoError(t, err)

	profiles, err := policy.NewProfileStore(db)
	require.NoError(t, err)
	pending, err := policy.NewPendingStore(db)
	require.NoError(t, err)
	ledger, err := NewLedger(db)
	require.NoError(t, err)

	published := make(chan nostr.Event, 16)
	serverSK := nostr.GeneratePrivateKey()
	proc, err := NewProcessor(registry, payments.NewDispatcher(), profiles, pending, ledger, serverSK, func(e nostr.Event) {
		published <- e
	})
	require.NoError(t, err)

	//pin time just after the test invoice was created so it validates
	bolt11, err := payments.DecodeInvoice(testInvoice)
	require.NoError(t, err)
	frozen := time.Unix(int64(bolt11.CreatedAt), 0).Add(time.Minute)
	proc.now = func() time.Time { return frozen }

	clientSK := nostr.GeneratePrivateKey()
	clientPub, err := nostr.GetPublicKey(clientSK)
	require.NoError(t, err)

	return &harness{
		proc:      proc,
		profiles:  profiles,
		pending:   pending,
		ledger:    ledger,
		session:   session,
		clientSK:  clientSK,
		clientPub: clientPub,
		published: published,
	}
}

func (h *harness) addProfile(t *testing.T, commands []string, spending policy.SpendingPolicy) {
	t.Helper()
	require.NoError(t, h.profiles.Save(policy.Profile{
		Index:     1,
		ClientPub: h.clientPub,
		Enabled:   true,
		Commands:  commands,
		Policy:    spending,
	}))
}

func (h *harness) request(t *testing.T, method string, params any) nostr.Event {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	payload, err := json.Marshal(Request{Method: method, Params: raw})
	require.NoError(t, err)
	shared, err := nip04.ComputeSharedSecret(h.proc.ServerPubKey(), h.clientSK)
	require.NoError(t, err)
	content, err := nip04.Encrypt(string(payload), shared)
	require.NoError(t, err)
	event := nostr.Event{
		PubKey:    h.clientPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      KindRequest,
		Tags:      nostr.Tags{{"p", h.proc.ServerPubKey()}},
		Content:   content,
	}
	event.ID = event.GetID()
	require.NoError(t, event.Sign(h.clientSK))
	return event
}

func (h *harness) nextResponse(t *testing.T) (nostr.Event, Response) {
	t.Helper()
	select {
	case event := <-h.published:
		shared, err := nip04.ComputeSharedSecret(h.proc.ServerPubKey(), h.clientSK)
		require.NoError(t, err)
		plaintext, err := nip04.Decrypt(event.Content, shared)
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(plaintext), &resp))
		return event, resp
	case <-time.After(5 * time.Second):
		t.Fatal("no response published")
		return nostr.Event{}, Response{}
	}
}

func allCommands() []string {
	return []string{MethodGetInfo, MethodGetBalance, MethodMakeInvoice, MethodLookupInvoice, MethodPayInvoice, MethodMultiPayInvoice}
}

func TestPayInvoiceSuccess(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{
		Kind: policy.PolicyBudgeted, BudgetMsat: 1_000_000_000, Period: policy.BudgetPeriod{Kind: policy.PeriodDay},
	})

	req := h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice})
	h.proc.HandleEvent(context.Background(), req)

	event, resp := h.nextResponse(t)
	require.Equal(t, KindResponse, event.Kind)
	require.Nil(t, resp.Error)
	require.Equal(t, MethodPayInvoice, resp.ResultType)

	correlated, ok := library.GetFirstTag(event, "e")
	require.True(t, ok)
	require.Equal(t, req.ID, correlated)

	result := resp.Result.(map[string]any)
	require.Equal(t, "deadbeef", result["preimage"])

	bolt11, err := payments.DecodeInvoice(testInvoice)
	require.NoError(t, err)
	rec, found, err := h.ledger.GetPayment(bolt11.PaymentHash)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Settled())
}

func TestPayInvoiceDeniedByBudget(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{
		Kind: policy.PolicyBudgeted, BudgetMsat: 1000, Period: policy.BudgetPeriod{Kind: policy.PeriodDay},
	})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice}))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeQuotaExceeded, resp.Error.Code)
	require.Equal(t, int32(0), h.session.ln.payCalls.Load())
}

func TestPayInvoiceInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.session.balance = 1000
	h.addProfile(t, allCommands(), policy.SpendingPolicy{
		Kind: policy.PolicyBudgeted, BudgetMsat: 1_000_000_000, Period: policy.BudgetPeriod{Kind: policy.PeriodDay},
	})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice}))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInsufficientBalance, resp.Error.Code)

	//the failed dispatch released the reservation
	prof, found, err := h.profiles.Get(h.clientPub)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, prof.Policy.Payments)
}

func TestUnknownClientUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.proc.HandleEvent(context.Background(), h.request(t, MethodGetBalance, struct{}{}))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeUnauthorized, resp.Error.Code)
}

func TestMethodNotPermitted(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, []string{MethodGetBalance}, policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice}))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeRestricted, resp.Error.Code)
}

func TestKeysendNotImplemented(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, []string{MethodPayKeysend}, policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayKeysend, struct{}{}))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeNotImplemented, resp.Error.Code)
}

func TestGetBalanceAggregates(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodGetBalance, struct{}{}))

	_, resp := h.nextResponse(t)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.Equal(t, float64(1_000_000_000), result["balance"])
}

func TestGetInfo(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodGetInfo, struct{}{}))

	_, resp := h.nextResponse(t)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.Equal(t, "regtest", result["network"])
	require.Len(t, result["methods"], len(SupportedMethods))
}

func TestMakeAndLookupInvoice(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodMakeInvoice, MakeInvoiceParams{AmountMsat: 250_000_000, Description: "coffee"}))

	_, resp := h.nextResponse(t)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.Equal(t, "incoming", result["type"])
	hash := result["payment_hash"].(string)
	require.NotEmpty(t, hash)

	h.proc.HandleEvent(context.Background(), h.request(t, MethodLookupInvoice, LookupInvoiceParams{PaymentHash: hash}))
	_, resp = h.nextResponse(t)
	require.Nil(t, resp.Error)
	result = resp.Result.(map[string]any)
	require.Equal(t, testInvoice, result["invoice"])
}

func TestLookupInvoiceNotFound(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodLookupInvoice, LookupInvoiceParams{PaymentHash: "0000"}))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestUnknownMethodNotImplemented(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, []string{"dance"}, policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, "dance", struct{}{}))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeNotImplemented, resp.Error.Code)
}

func TestRedeliveredSettledHashDoesNotPayTwice(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{
		Kind: policy.PolicyBudgeted, BudgetMsat: 1_000_000_000, Period: policy.BudgetPeriod{Kind: policy.PeriodDay},
	})

	bolt11, err := payments.DecodeInvoice(testInvoice)
	require.NoError(t, err)
	require.NoError(t, h.ledger.SavePayment(PaymentRecord{
		Bolt11:      testInvoice,
		PaymentHash: bolt11.PaymentHash,
		AmountMsat:  bolt11.MSatoshi,
		ClientPub:   h.clientPub,
		Preimage:    "previously",
		State:       PaymentSettled,
	}))

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice}))

	_, resp := h.nextResponse(t)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.Equal(t, "previously", result["preimage"])
	require.Equal(t, int32(0), h.session.ln.payCalls.Load())
}

func TestMultiPayFanOut(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{
		Kind: policy.PolicyBudgeted, BudgetMsat: 1_000_000_000, Period: policy.BudgetPeriod{Kind: policy.PeriodDay},
	})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodMultiPayInvoice, MultiPayInvoiceParams{
		Invoices: []PayInvoiceParams{
			{ID: "a", Invoice: testInvoice},
			{ID: "b", Invoice: testInvoice},
			{ID: "c", Invoice: "lnbc1garbage"},
		},
	}))

	responses := make(map[string]Response)
	for i := 0; i < 3; i++ {
		event, resp := h.nextResponse(t)
		id, ok := library.GetFirstTag(event, "d")
		require.True(t, ok, "every fan-out response carries a d tag")
		responses[id] = resp
	}
	require.Len(t, responses, 3)
	require.NotNil(t, responses["c"].Error, "the bad item fails alone")
	require.Nil(t, responses["a"].Error)
	require.Nil(t, responses["b"].Error)
}

func TestRequireApprovalQueueThenApprove(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice}))

	//no response yet, the request is parked
	require.Empty(t, h.published)
	parked, err := h.pending.All()
	require.NoError(t, err)
	require.Len(t, parked, 1)

	require.NoError(t, h.proc.ApprovePending(context.Background(), parked[0].EventID))

	_, resp := h.nextResponse(t)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.Equal(t, "deadbeef", result["preimage"])

	remaining, err := h.pending.All()
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestRequireApprovalDeny(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice}))
	parked, err := h.pending.All()
	require.NoError(t, err)
	require.Len(t, parked, 1)

	require.NoError(t, h.proc.DenyPending(parked[0].EventID))

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeRestricted, resp.Error.Code)
	require.Equal(t, int32(0), h.session.ln.payCalls.Load())
}

func TestSweepExpiredAnswersWithError(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	h.proc.HandleEvent(context.Background(), h.request(t, MethodPayInvoice, PayInvoiceParams{Invoice: testInvoice}))
	parked, err := h.pending.All()
	require.NoError(t, err)
	require.Len(t, parked, 1)

	//jump past the invoice expiry
	frozen := h.proc.now().Add(3 * time.Hour)
	h.proc.now = func() time.Time { return frozen }
	h.proc.SweepExpired()

	_, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeOther, resp.Error.Code)

	remaining, err := h.pending.All()
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestMalformedPayloadStillAnswered(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	shared, err := nip04.ComputeSharedSecret(h.proc.ServerPubKey(), h.clientSK)
	require.NoError(t, err)
	content, err := nip04.Encrypt("this is not json", shared)
	require.NoError(t, err)
	event := nostr.Event{
		PubKey:    h.clientPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      KindRequest,
		Tags:      nostr.Tags{{"p", h.proc.ServerPubKey()}},
		Content:   content,
	}
	event.ID = event.GetID()
	require.NoError(t, event.Sign(h.clientSK))

	h.proc.HandleEvent(context.Background(), event)

	published, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeOther, resp.Error.Code)
	correlated, ok := library.GetFirstTag(published, "e")
	require.True(t, ok)
	require.Equal(t, event.ID, correlated)
	require.Empty(t, h.published, "exactly one response per request")
}

func TestUndecryptablePayloadStillAnswered(t *testing.T) {
	h := newHarness(t)
	h.addProfile(t, allCommands(), policy.SpendingPolicy{Kind: policy.PolicyRequireApproval})

	event := nostr.Event{
		PubKey:    h.clientPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      KindRequest,
		Tags:      nostr.Tags{{"p", h.proc.ServerPubKey()}},
		Content:   "not even ciphertext",
	}
	event.ID = event.GetID()
	require.NoError(t, event.Sign(h.clientSK))

	h.proc.HandleEvent(context.Background(), event)

	published, resp := h.nextResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeOther, resp.Error.Code)
	correlated, ok := library.GetFirstTag(published, "e")
	require.True(t, ok)
	require.Equal(t, event.ID, correlated)
}

func TestPublishInfo(t *testing.T) {
	h := newHarness(t)
	h.proc.PublishInfo()
	select {
	case event := <-h.published:
		require.Equal(t, KindInfo, event.Kind)
		require.Contains(t, event.Content, MethodPayInvoice)
	case <-time.After(time.Second):
		t.Fatal("info event not published")
	}
}
