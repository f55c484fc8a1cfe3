package payments

import (
	"errors"
	"fmt"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// ErrInvoiceInvalid wraps every reason an invoice is rejected before any
// policy or dispatch work happens.
var ErrInvoiceInvalid = errors.New("invalid invoice")

func DecodeInvoice(invoice string) (decodepay.Bolt11, error) {
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return decodepay.Bolt11{}, fmt.Errorf("%w: %s", ErrInvoiceInvalid, err)
	}
	return bolt11, nil
}

// ValidateInvoice rejects invoices we will not attempt to pay: expired ones
// and ones carrying no amount.
func ValidateInvoice(bolt11 decodepay.Bolt11, now time.Time) error {
	expiry := int64(bolt11.Expiry)
	if expiry == 0 {
		expiry = 3600
	}
	if time.Unix(int64(bolt11.CreatedAt), 0).Add(time.Duration(expiry) * time.Second).Before(now) {
		return fmt.Errorf("%w: invoice expired", ErrInvoiceInvalid)
	}
	if bolt11.MSatoshi <= 0 {
		return fmt.Errorf("%w: invoice amount not set", ErrInvoiceInvalid)
	}
	return nil
}
