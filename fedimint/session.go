// Package fedimint is the boundary to the federated mint client capability.
// The consensus protocol, blind signatures and the Lightning contract state
// machines all live on the other side of these interfaces; satchel only
// consumes them.
package fedimint

import (
	"context"

	"satchel/engine/library"
)

// SecretLen is the exact byte width of a client session secret.
const SecretLen = 64

// Gateway is an intermediary that bridges a federation's internal ledger to
// the external Lightning network.
type Gateway struct {
	ID         string `json:"gatewayId"`
	NodePubKey string `json:"nodePubKey"`
	Alias      string `json:"alias"`
	APIAddr    string `json:"api"`
	Active     bool   `json:"active"`
}

// JoinConfig carries everything a builder needs to open or join a federation.
type JoinConfig struct {
	InviteCode   string
	FederationID library.FederationID
}

// Session is an active, authenticated connection to one federation plus its
// local persisted state partition. Exactly one session exists per federation
// id at any time; the registry enforces that.
type Session interface {
	FederationID() library.FederationID
	// Balance returns the session's spendable ecash balance in millisatoshi.
	Balance(ctx context.Context) (int64, error)
	Network() string
	Meta() map[string]string
	Lightning() LightningModule
	Close() error
}

// LightningModule is the per-session handle for Lightning send and receive
// operations.
type LightningModule interface {
	// Gateways returns the currently cached gateway list in discovery order.
	Gateways(ctx context.Context) ([]Gateway, error)
	// UpdateGatewayCache refreshes the cached gateway list from the
	// federation. Callers decide when; the session never self-refreshes.
	UpdateGatewayCache(ctx context.Context) error
	// PayBolt11 starts an outbound payment and returns a correlation handle
	// immediately. Settlement is asynchronous; follow the handle's state
	// stream to a terminal state. Invoking it again for an already settled
	// invoice must behave as a lookup, not a second payment.
	PayBolt11(ctx context.Context, gateway Gateway, bolt11 string) (PayHandle, error)
	// CreateBolt11 requests an inbound invoice from the federation.
	CreateBolt11(ctx context.Context, gateway Gateway, amountMsat int64, description string, expirySecs int64) (operationID string, bolt11 string, err error)
	// SubscribeLnPay streams state updates for an external (gateway-routed)
	// payment until a terminal state, after which the channel is closed.
	SubscribeLnPay(ctx context.Context, operationID string) (<-chan LnPayUpdate, error)
	// SubscribeInternalPay streams state updates for a payment settled
	// entirely within the federation.
	SubscribeInternalPay(ctx context.Context, operationID string) (<-chan InternalPayUpdate, error)
	// SubscribeLnReceive streams state updates for an invoice we issued.
	SubscribeLnReceive(ctx context.Context, operationID string) (<-chan LnReceiveUpdate, error)
}

// SessionBuilder builds client sessions. Implementations own connection
// establishment and the per-federation store partition.
type SessionBuilder interface {
	// ParseInvite extracts the federation id from an invite code without
	// joining anything.
	ParseInvite(invite string) (library.FederationID, error)
	// Build opens an existing session or joins the federation named by the
	// config. The secret must be exactly SecretLen bytes.
	Build(ctx context.Context, cfg JoinConfig, secret []byte) (Session, error)
}
