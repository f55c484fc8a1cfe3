package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Test vector from the bolt11 specification: 2500000 sat, created 2017-06-01,
// default one hour expiry.
const specInvoice = "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jsxqzpuaztrnwngzn3kdzw5hydlzf03qdgm2hdq27cqv3agm2awhz5se903vruatfhq77w3ls4evs3ch9zw97j25emudupq63nyw24cg27h2rspfj9srp"

func TestDecodeInvoice(t *testing.T) {
	bolt11, err := DecodeInvoice(specInvoice)
	require.NoError(t, err)
	require.Equal(t, int64(250_000_000), bolt11.MSatoshi)
	require.NotEmpty(t, bolt11.PaymentHash)
}

func TestDecodeInvoiceGarbage(t *testing.T) {
	_, err := DecodeInvoice("lnbc1notaninvoice")
	require.ErrorIs(t, err, ErrInvoiceInvalid)
}

func TestValidateInvoiceExpiry(t *testing.T) {
	bolt11, err := DecodeInvoice(specInvoice)
	require.NoError(t, err)

	fresh := time.Unix(int64(bolt11.CreatedAt), 0).Add(time.Minute)
	require.NoError(t, ValidateInvoice(bolt11, fresh))

	stale := time.Unix(int64(bolt11.CreatedAt), 0).Add(2 * time.Hour)
	err = ValidateInvoice(bolt11, stale)
	require.ErrorIs(t, err, ErrInvoiceInvalid)
}

func TestResolvePaymentInfoPassthrough(t *testing.T) {
	got, err := ResolvePaymentInfo("  "+specInvoice+"  ", 0, "")
	require.NoError(t, err)
	require.Equal(t, specInvoice, got)
}

func TestResolvePaymentInfoRejectsJunk(t *testing.T) {
	_, err := ResolvePaymentInfo("not a destination", 1000, "")
	require.ErrorIs(t, err, ErrInvoiceInvalid)
}
