package fedimint

// PayKind distinguishes the two underlying payment state machines. Internal
// payments settle within the federation with no gateway hop; external ones
// route through a gateway onto the Lightning network.
type PayKind int

const (
	PayKindLightning PayKind = iota
	PayKindInternal
)

// PayHandle correlates an in-flight outbound payment.
type PayHandle struct {
	Kind        PayKind
	OperationID string
	ContractID  string
	FeeMsat     int64
}

// LnPayState is the external payment vocabulary.
type LnPayState int

const (
	LnPayCreated LnPayState = iota
	LnPayFunded
	LnPayAwaitingChange
	LnPayWaitingForRefund
	LnPaySuccess
	LnPayRefunded
	LnPayCanceled
	LnPayUnexpectedError
)

type LnPayUpdate struct {
	State    LnPayState
	Preimage string //set on LnPaySuccess
	Reason   string //set on LnPayRefunded, LnPayWaitingForRefund and LnPayUnexpectedError
}

// InternalPayState is the within-federation payment vocabulary.
type InternalPayState int

const (
	InternalPayFunding InternalPayState = iota
	InternalPayPreimage
	InternalPayRefundSuccess
	InternalPayRefundError
	InternalPayFundingFailed
	InternalPayUnexpectedError
)

type InternalPayUpdate struct {
	State    InternalPayState
	Preimage string
	Reason   string
}

// LnReceiveState tracks an invoice we issued.
type LnReceiveState int

const (
	LnReceiveCreated LnReceiveState = iota
	LnReceiveWaitingForPayment
	LnReceiveFunded
	LnReceiveAwaitingFunds
	LnReceiveClaimed
	LnReceiveCanceled
)

type LnReceiveUpdate struct {
	State  LnReceiveState
	Reason string //set on LnReceiveCanceled
}
