// Package nwc speaks NIP-47: encrypted wallet commands arriving as nostr
// events, answered with correlated encrypted responses.
package nwc

import "encoding/json"

const (
	KindInfo     = 13194
	KindRequest  = 23194
	KindResponse = 23195
)

const (
	MethodGetInfo         = "get_info"
	MethodGetBalance      = "get_balance"
	MethodMakeInvoice     = "make_invoice"
	MethodLookupInvoice   = "lookup_invoice"
	MethodPayInvoice      = "pay_invoice"
	MethodMultiPayInvoice = "multi_pay_invoice"
	MethodPayKeysend      = "pay_keysend"
	MethodMultiPayKeysend = "multi_pay_keysend"
)

// SupportedMethods is what the info event advertises. Keysend needs a node
// with its own outbound liquidity, which a federation gateway does not give
// us, so both keysend methods answer NOT_IMPLEMENTED.
var SupportedMethods = []string{
	MethodGetInfo,
	MethodGetBalance,
	MethodMakeInvoice,
	MethodLookupInvoice,
	MethodPayInvoice,
	MethodMultiPayInvoice,
}

// NIP-47 error codes.
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeRestricted          = "RESTRICTED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternal            = "INTERNAL"
	CodeOther               = "OTHER"
	CodePaymentFailed       = "PAYMENT_FAILED"
	CodeNotFound            = "NOT_FOUND"
)

// Request is the decrypted content of a kind 23194 event.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the content of a kind 23195 event, encrypted back to the
// requester. ResultType echoes the request method.
type Response struct {
	ResultType string         `json:"result_type"`
	Error      *ResponseError `json:"error,omitempty"`
	Result     any            `json:"result,omitempty"`
}

func errorResponse(method, code, message string) Response {
	return Response{ResultType: method, Error: &ResponseError{Code: code, Message: message}}
}

func resultResponse(method string, result any) Response {
	return Response{ResultType: method, Result: result}
}

// PayInvoiceParams doubles as one item of multi_pay_invoice, where ID is the
// caller-chosen correlation id.
type PayInvoiceParams struct {
	ID         string `json:"id,omitempty"`
	Invoice    string `json:"invoice"`
	AmountMsat int64  `json:"amount,omitempty"`
}

type MultiPayInvoiceParams struct {
	Invoices []PayInvoiceParams `json:"invoices"`
}

type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"`
}

type MakeInvoiceParams struct {
	AmountMsat  int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"` //seconds
}

type LookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

// InvoiceResult answers make_invoice and lookup_invoice. Type is "incoming"
// for invoices we issued, "outgoing" for payments we made.
type InvoiceResult struct {
	Type        string `json:"type"`
	Invoice     string `json:"invoice,omitempty"`
	Description string `json:"description,omitempty"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	AmountMsat  int64  `json:"amount"`
	FeesPaid    int64  `json:"fees_paid,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

type GetBalanceResult struct {
	BalanceMsat int64 `json:"balance"`
}

type GetInfoResult struct {
	Alias       string   `json:"alias"`
	Color       string   `json:"color"`
	Pubkey      string   `json:"pubkey"`
	Network     string   `json:"network"`
	BlockHeight uint32   `json:"block_height"`
	BlockHash   string   `json:"block_hash"`
	Methods     []string `json:"methods"`
}
