package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"satchel/engine/library"
	"satchel/fedimint"
)

type scriptedLightning struct {
	gateways []fedimint.Gateway
	lnPay    []fedimint.LnPayUpdate
	internal []fedimint.InternalPayUpdate
	receive  []fedimint.LnReceiveUpdate
}

func (s *scriptedLightning) Gateways(context.Context) ([]fedimint.Gateway, error) {
	return s.gateways, nil
}
func (s *scriptedLightning) UpdateGatewayCache(context.Context) error { return nil }
func (s *scriptedLightning) PayBolt11(_ context.Context, _ fedimint.Gateway, _ string) (fedimint.PayHandle, error) {
	return fedimint.PayHandle{Kind: fedimint.PayKindLightning, OperationID: "op1"}, nil
}
func (s *scriptedLightning) CreateBolt11(_ context.Context, _ fedimint.Gateway, _ int64, _ string, _ int64) (string, string, error) {
	return "op2", "lnbc1fake", nil
}
func (s *scriptedLightning) SubscribeLnPay(context.Context, string) (<-chan fedimint.LnPayUpdate, error) {
	ch := make(chan fedimint.LnPayUpdate, len(s.lnPay))
	for _, u := range s.lnPay {
		ch <- u
	}
	close(ch)
	return ch, nil
}
func (s *scriptedLightning) SubscribeInternalPay(context.Context, string) (<-chan fedimint.InternalPayUpdate, error) {
	ch := make(chan fedimint.InternalPayUpdate, len(s.internal))
	for _, u := range s.internal {
		ch <- u
	}
	close(ch)
	return ch, nil
}
func (s *scriptedLightning) SubscribeLnReceive(context.Context, string) (<-chan fedimint.LnReceiveUpdate, error) {
	ch := make(chan fedimint.LnReceiveUpdate, len(s.receive))
	for _, u := range s.receive {
		ch <- u
	}
	close(ch)
	return ch, nil
}

type scriptedSession struct {
	id library.FederationID
	ln *scriptedLightning
}

func (s *scriptedSession) FederationID() library.FederationID  { return s.id }
func (s *scriptedSession) Balance(context.Context) (int64, error) { return 1_000_000, nil }
func (s *scriptedSession) Network() string                     { return "regtest" }
func (s *scriptedSession) Meta() map[string]string             { return nil }
func (s *scriptedSession) Lightning() fedimint.LightningModule { return s.ln }
func (s *scriptedSession) Close() error                        { return nil }

func TestAwaitTerminalSuccess(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		lnPay: []fedimint.LnPayUpdate{
			{State: fedimint.LnPayCreated},
			{State: fedimint.LnPayFunded},
			{State: fedimint.LnPaySuccess, Preimage: "deadbeef"},
		},
	}}
	d := NewDispatcher()
	handle := fedimint.PayHandle{Kind: fedimint.PayKindLightning, OperationID: "op1", FeeMsat: 42}

	outcome, err := d.AwaitTerminal(context.Background(), session, handle, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome.Status)
	require.Equal(t, "deadbeef", outcome.Preimage)
	require.Equal(t, int64(42), outcome.FeeMsat)
	require.True(t, outcome.Terminal())
}

func TestAwaitTerminalCanceled(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		lnPay: []fedimint.LnPayUpdate{
			{State: fedimint.LnPayCreated},
			{State: fedimint.LnPayFunded},
			{State: fedimint.LnPayCanceled},
		},
	}}
	d := NewDispatcher()

	outcome, err := d.AwaitTerminal(context.Background(), session, fedimint.PayHandle{OperationID: "op1"}, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCanceled, outcome.Status)
}

func TestAwaitTerminalRefunded(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		lnPay: []fedimint.LnPayUpdate{
			{State: fedimint.LnPayCreated},
			{State: fedimint.LnPayWaitingForRefund, Reason: "gateway offline"},
			{State: fedimint.LnPayRefunded, Reason: "gateway offline"},
		},
	}}
	d := NewDispatcher()

	outcome, err := d.AwaitTerminal(context.Background(), session, fedimint.PayHandle{OperationID: "op1"}, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeRefunded, outcome.Status)
	require.Equal(t, "gateway offline", outcome.Reason)
}

func TestAwaitTerminalReturnOnFunding(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		lnPay: []fedimint.LnPayUpdate{
			{State: fedimint.LnPayCreated},
			{State: fedimint.LnPayFunded},
			{State: fedimint.LnPaySuccess, Preimage: "deadbeef"},
		},
	}}
	d := NewDispatcher()

	outcome, err := d.AwaitTerminal(context.Background(), session, fedimint.PayHandle{OperationID: "op1"}, true)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome.Status)
	require.False(t, outcome.Terminal())
}

func TestAwaitTerminalInternalKind(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		internal: []fedimint.InternalPayUpdate{
			{State: fedimint.InternalPayFunding},
			{State: fedimint.InternalPayPreimage, Preimage: "cafebabe"},
		},
	}}
	d := NewDispatcher()
	handle := fedimint.PayHandle{Kind: fedimint.PayKindInternal, OperationID: "op1"}

	outcome, err := d.AwaitTerminal(context.Background(), session, handle, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome.Status)
	require.Equal(t, "cafebabe", outcome.Preimage)
	require.Equal(t, int64(0), outcome.FeeMsat)
}

func TestAwaitTerminalInternalFundingFailed(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		internal: []fedimint.InternalPayUpdate{
			{State: fedimint.InternalPayFunding},
			{State: fedimint.InternalPayFundingFailed, Reason: "not enough notes"},
		},
	}}
	d := NewDispatcher()
	handle := fedimint.PayHandle{Kind: fedimint.PayKindInternal, OperationID: "op1"}

	outcome, err := d.AwaitTerminal(context.Background(), session, handle, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome.Status)
	require.Equal(t, "not enough notes", outcome.Reason)
}

func TestAwaitTerminalStreamEnds(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		lnPay: []fedimint.LnPayUpdate{{State: fedimint.LnPayCreated}},
	}}
	d := NewDispatcher()

	outcome, err := d.AwaitTerminal(context.Background(), session, fedimint.PayHandle{OperationID: "op1"}, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome.Status)
}

func TestSelectGateway(t *testing.T) {
	session := &scriptedSession{id: "aaaa1111", ln: &scriptedLightning{
		gateways: []fedimint.Gateway{{ID: "gw1"}, {ID: "gw2"}},
	}}
	gw, err := SelectGateway(context.Background(), session)
	require.NoError(t, err)
	require.Equal(t, "gw1", gw.ID)

	empty := &scriptedSession{id: "bbbb2222", ln: &scriptedLightning{}}
	_, err = SelectGateway(context.Background(), empty)
	require.ErrorIs(t, err, ErrNoGatewaysAvailable)
}
