package fedimint

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sasha-s/go-deadlock"
	"satchel/engine/library"
)

// ClientdBuilder builds sessions backed by a fedimint-clientd daemon. The
// daemon owns the actual consensus connections and key material; one daemon
// serves every federation, and each Session scopes its requests by
// federation id.
type ClientdBuilder struct {
	BaseURL  string
	Password string
	client   *http.Client
}

func NewClientdBuilder(baseURL, password string) *ClientdBuilder {
	return &ClientdBuilder{
		BaseURL:  baseURL,
		Password: password,
		client:   &http.Client{},
	}
}

func (b *ClientdBuilder) ParseInvite(invite string) (library.FederationID, error) {
	return ParseInviteCode(invite)
}

type joinRequest struct {
	InviteCode      string `json:"inviteCode"`
	ManualSecret    string `json:"manualSecret,omitempty"`
	UseManualSecret bool   `json:"useManualSecret"`
}

type joinResponse struct {
	ThisFederationID string   `json:"thisFederationId"`
	FederationIDs    []string `json:"federationIds"`
}

func (b *ClientdBuilder) Build(ctx context.Context, cfg JoinConfig, secret []byte) (Session, error) {
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("session secret must be %d bytes, got %d", SecretLen, len(secret))
	}
	req := joinRequest{InviteCode: cfg.InviteCode}
	if len(secret) > 0 {
		req.ManualSecret = hex.EncodeToString(secret)
		req.UseManualSecret = true
	}
	var resp joinResponse
	if err := b.post(ctx, "/v2/admin/join", req, &resp); err != nil {
		return nil, fmt.Errorf("joining %s: %w", cfg.FederationID, err)
	}
	id := cfg.FederationID
	if resp.ThisFederationID != "" {
		id = resp.ThisFederationID
	}
	s := &clientdSession{builder: b, id: id}
	s.ln = &clientdLightning{session: s}
	return s, nil
}

func (b *ClientdBuilder) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.Password != "" {
		req.Header.Set("Authorization", "Bearer "+b.Password)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type federationInfo struct {
	Network         string            `json:"network"`
	Meta            map[string]string `json:"meta"`
	TotalAmountMsat int64             `json:"totalAmountMsat"`
}

type clientdSession struct {
	builder *ClientdBuilder
	id      library.FederationID
	ln      *clientdLightning

	infoMu  deadlock.Mutex
	network string
	meta    map[string]string
}

func (s *clientdSession) FederationID() library.FederationID { return s.id }

func (s *clientdSession) Balance(ctx context.Context) (int64, error) {
	info, err := s.info(ctx)
	if err != nil {
		return 0, err
	}
	return info.TotalAmountMsat, nil
}

func (s *clientdSession) info(ctx context.Context) (federationInfo, error) {
	var all map[string]federationInfo
	if err := s.builder.post(ctx, "/v2/admin/info", struct{}{}, &all); err != nil {
		return federationInfo{}, err
	}
	info, ok := all[s.id]
	if !ok {
		return federationInfo{}, fmt.Errorf("daemon has no client for federation %s", s.id)
	}
	s.infoMu.Lock()
	s.network = info.Network
	s.meta = info.Meta
	s.infoMu.Unlock()
	return info, nil
}

func (s *clientdSession) Network() string {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.network
}

func (s *clientdSession) Meta() map[string]string {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.meta
}

func (s *clientdSession) Lightning() LightningModule { return s.ln }

// Close releases nothing on the daemon side: the daemon keeps its consensus
// connection until the federation is left there too.
func (s *clientdSession) Close() error { return nil }

type clientdLightning struct {
	session *clientdSession

	cacheMu deadlock.Mutex
	cached  []Gateway
}

type federationScoped struct {
	FederationID string `json:"federationId"`
}

func (l *clientdLightning) Gateways(ctx context.Context) ([]Gateway, error) {
	l.cacheMu.Lock()
	cached := l.cached
	l.cacheMu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return l.fetchGateways(ctx)
}

func (l *clientdLightning) UpdateGatewayCache(ctx context.Context) error {
	_, err := l.fetchGateways(ctx)
	return err
}

func (l *clientdLightning) fetchGateways(ctx context.Context) ([]Gateway, error) {
	var gateways []Gateway
	err := l.session.builder.post(ctx, "/v2/ln/list-gateways", federationScoped{l.session.id}, &gateways)
	if err != nil {
		return nil, err
	}
	l.cacheMu.Lock()
	l.cached = gateways
	l.cacheMu.Unlock()
	return gateways, nil
}

type payRequest struct {
	PaymentInfo        string `json:"paymentInfo"`
	FederationID       string `json:"federationId"`
	GatewayID          string `json:"gatewayId,omitempty"`
	FinishInBackground bool   `json:"finishInBackground"`
}

type payResponse struct {
	OperationID string `json:"operationId"`
	PaymentType string `json:"paymentType"`
	ContractID  string `json:"contractId"`
	FeeMsat     int64  `json:"fee"`
	Preimage    string `json:"preimage"`
}

func (l *clientdLightning) PayBolt11(ctx context.Context, gateway Gateway, bolt11 string) (PayHandle, error) {
	req := payRequest{
		PaymentInfo:        bolt11,
		FederationID:       l.session.id,
		GatewayID:          gateway.ID,
		FinishInBackground: true,
	}
	var resp payResponse
	if err := l.session.builder.post(ctx, "/v2/ln/pay", req, &resp); err != nil {
		return PayHandle{}, err
	}
	kind := PayKindLightning
	if resp.PaymentType == "internal" {
		kind = PayKindInternal
	}
	return PayHandle{
		Kind:        kind,
		OperationID: resp.OperationID,
		ContractID:  resp.ContractID,
		FeeMsat:     resp.FeeMsat,
	}, nil
}

type invoiceRequest struct {
	AmountMsat   int64  `json:"amountMsat"`
	Description  string `json:"description"`
	ExpiryTime   int64  `json:"expiryTime,omitempty"`
	FederationID string `json:"federationId"`
	GatewayID    string `json:"gatewayId,omitempty"`
}

type invoiceResponse struct {
	OperationID string `json:"operationId"`
	Invoice     string `json:"invoice"`
}

func (l *clientdLightning) CreateBolt11(ctx context.Context, gateway Gateway, amountMsat int64, description string, expirySecs int64) (string, string, error) {
	req := invoiceRequest{
		AmountMsat:   amountMsat,
		Description:  description,
		ExpiryTime:   expirySecs,
		FederationID: l.session.id,
		GatewayID:    gateway.ID,
	}
	var resp invoiceResponse
	if err := l.session.builder.post(ctx, "/v2/ln/invoice", req, &resp); err != nil {
		return "", "", err
	}
	return resp.OperationID, resp.Invoice, nil
}

type awaitRequest struct {
	OperationID  string `json:"operationId"`
	FederationID string `json:"federationId"`
}

// The daemon's await endpoints block until the payment reaches a terminal
// state, so the granular intermediate states are collapsed: subscribers see
// the initial state, then the terminal one.
func (l *clientdLightning) SubscribeLnPay(ctx context.Context, operationID string) (<-chan LnPayUpdate, error) {
	updates := make(chan LnPayUpdate, 4)
	go func() {
		defer close(updates)
		updates <- LnPayUpdate{State: LnPayCreated}
		var resp payResponse
		err := l.session.builder.post(ctx, "/v2/ln/await-pay", awaitRequest{operationID, l.session.id}, &resp)
		if err != nil {
			updates <- LnPayUpdate{State: LnPayUnexpectedError, Reason: err.Error()}
			return
		}
		updates <- LnPayUpdate{State: LnPayFunded}
		updates <- LnPayUpdate{State: LnPaySuccess, Preimage: resp.Preimage}
	}()
	return updates, nil
}

func (l *clientdLightning) SubscribeInternalPay(ctx context.Context, operationID string) (<-chan InternalPayUpdate, error) {
	updates := make(chan InternalPayUpdate, 4)
	go func() {
		defer close(updates)
		updates <- InternalPayUpdate{State: InternalPayFunding}
		var resp payResponse
		err := l.session.builder.post(ctx, "/v2/ln/await-pay", awaitRequest{operationID, l.session.id}, &resp)
		if err != nil {
			updates <- InternalPayUpdate{State: InternalPayUnexpectedError, Reason: err.Error()}
			return
		}
		updates <- InternalPayUpdate{State: InternalPayPreimage, Preimage: resp.Preimage}
	}()
	return updates, nil
}

func (l *clientdLightning) SubscribeLnReceive(ctx context.Context, operationID string) (<-chan LnReceiveUpdate, error) {
	updates := make(chan LnReceiveUpdate, 4)
	go func() {
		defer close(updates)
		updates <- LnReceiveUpdate{State: LnReceiveWaitingForPayment}
		err := l.session.builder.post(ctx, "/v2/ln/await-invoice", awaitRequest{operationID, l.session.id}, nil)
		if err != nil {
			updates <- LnReceiveUpdate{State: LnReceiveCanceled, Reason: err.Error()}
			return
		}
		updates <- LnReceiveUpdate{State: LnReceiveClaimed}
	}()
	return updates, nil
}
