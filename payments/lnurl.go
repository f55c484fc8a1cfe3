package payments

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/fiatjaf/go-lnurl"
	"satchel/engine/library"
)

type lnServicePayResponse struct {
	Callback    string `json:"callback"`
	MaxSendable int64  `json:"maxSendable"`
	MinSendable int64  `json:"minSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
}

type lnServiceInvoice struct {
	Pr     string     `json:"pr"`
	Routes []struct{} `json:"routes"`
}

// ResolvePaymentInfo turns whatever a caller hands us into a bolt11 invoice.
// Raw invoices pass through; lnurls and lightning addresses are resolved by
// asking the LN service for an invoice of the given amount.
func ResolvePaymentInfo(info string, amountMsat int64, comment string) (string, error) {
	info = strings.TrimSpace(info)
	lower := strings.ToLower(info)
	switch {
	case strings.HasPrefix(lower, "lnbc"), strings.HasPrefix(lower, "lntb"), strings.HasPrefix(lower, "lnbcrt"):
		return info, nil
	case strings.HasPrefix(lower, "lnurl"):
		return invoiceFromLnurl(lower, amountMsat, comment)
	case strings.Contains(info, "@"):
		url, err := lud16ToUrl(info)
		if err != nil {
			return "", err
		}
		lud06, err := lnurl.Encode(url)
		if err != nil {
			return "", err
		}
		return invoiceFromLnurl(lud06, amountMsat, comment)
	default:
		return "", fmt.Errorf("%w: not an invoice, lnurl or lightning address", ErrInvoiceInvalid)
	}
}

func invoiceFromLnurl(lnurla string, amountMsat int64, comment string) (string, error) {
	if amountMsat <= 0 {
		return "", fmt.Errorf("an amount is required when paying to an lnurl")
	}
	decodedUrl, err := lnurl.LNURLDecode(lnurla)
	if err != nil {
		return "", err
	}
	resp, err := http.Get(decodedUrl)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var service lnServicePayResponse
	if err := json.Unmarshal(body, &service); err != nil {
		return "", err
	}
	if service.Tag != "payRequest" {
		return "", fmt.Errorf("lnurl service does not accept payments")
	}

	callbackUrl := service.Callback + "?amount=" + strconv.FormatInt(amountMsat, 10)
	if comment != "" {
		callbackUrl = callbackUrl + "&comment=" + strings.TrimSpace(comment)
	}
	resp, err = http.Get(callbackUrl)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var invoice lnServiceInvoice
	if err := json.Unmarshal(body, &invoice); err != nil {
		return "", err
	}
	if invoice.Pr == "" {
		return "", fmt.Errorf("lnurl service returned no invoice")
	}
	return invoice.Pr, nil
}

func lud16ToUrl(address string) (string, error) {
	addr, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("invalid lightning address")
	}
	clean := strings.Trim(addr.String(), "<>")
	split := strings.Split(clean, "@")
	if len(split) != 2 {
		return "", fmt.Errorf("invalid lightning address")
	}
	library.LogCLI(fmt.Sprintf("resolving lightning address %s", clean), 3)
	return "https://" + split[1] + "/.well-known/lnurlp/" + split[0], nil
}
