package nwc

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"satchel/engine/library"
)

var (
	invoicesBucket = []byte("invoices")
	paymentsBucket = []byte("payments")
)

// PaymentState is the lifecycle of an outbound payment record.
type PaymentState string

const (
	PaymentPending PaymentState = "pending"
	PaymentSettled PaymentState = "settled"
	PaymentFailed  PaymentState = "failed"
)

// InvoiceRecord is an invoice we issued, keyed by payment hash.
type InvoiceRecord struct {
	Bolt11       string               `json:"bolt11"`
	PaymentHash  string               `json:"payment_hash"`
	Preimage     string               `json:"preimage,omitempty"`
	AmountMsat   int64                `json:"amount_msat"`
	Description  string               `json:"description,omitempty"`
	FederationID library.FederationID `json:"federation_id"`
	OperationID  string               `json:"operation_id"`
	CreatedAt    int64                `json:"created_at"`
	ExpiresAt    int64                `json:"expires_at"`
	SettledAt    int64                `json:"settled_at,omitempty"`
}

func (r InvoiceRecord) Settled() bool { return r.SettledAt != 0 }

// PaymentRecord is an outbound payment we dispatched, keyed by payment hash.
// A settled record is the dedupe witness for redelivered pay requests.
type PaymentRecord struct {
	Bolt11       string               `json:"bolt11"`
	PaymentHash  string               `json:"payment_hash"`
	Preimage     string               `json:"preimage,omitempty"`
	AmountMsat   int64                `json:"amount_msat"`
	FeeMsat      int64                `json:"fee_msat,omitempty"`
	ClientPub    string               `json:"client_pub"`
	FederationID library.FederationID `json:"federation_id"`
	State        PaymentState         `json:"state"`
	CreatedAt    int64                `json:"created_at"`
	SettledAt    int64                `json:"settled_at,omitempty"`
}

func (r PaymentRecord) Settled() bool { return r.State == PaymentSettled }

// Ledger is the durable record of everything issued and paid, one bbolt
// bucket per direction.
type Ledger struct {
	db *bolt.DB
}

func NewLedger(db *bolt.DB) (*Ledger, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(invoicesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(paymentsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) SaveInvoice(rec InvoiceRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	return l.put(invoicesBucket, rec.PaymentHash, rec)
}

func (l *Ledger) GetInvoice(hash string) (InvoiceRecord, bool, error) {
	var rec InvoiceRecord
	found, err := l.get(invoicesBucket, hash, &rec)
	return rec, found, err
}

// MarkInvoiceSettled records the claim of an issued invoice.
func (l *Ledger) MarkInvoiceSettled(hash string, settledAt int64) error {
	rec, found, err := l.GetInvoice(hash)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.SettledAt = settledAt
	return l.put(invoicesBucket, hash, rec)
}

func (l *Ledger) SavePayment(rec PaymentRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	if rec.State == "" {
		rec.State = PaymentPending
	}
	return l.put(paymentsBucket, rec.PaymentHash, rec)
}

func (l *Ledger) GetPayment(hash string) (PaymentRecord, bool, error) {
	var rec PaymentRecord
	found, err := l.get(paymentsBucket, hash, &rec)
	return rec, found, err
}

func (l *Ledger) MarkPaymentSettled(hash, preimage string, feeMsat int64, settledAt int64) error {
	rec, found, err := l.GetPayment(hash)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.State = PaymentSettled
	rec.Preimage = preimage
	rec.FeeMsat = feeMsat
	rec.SettledAt = settledAt
	return l.put(paymentsBucket, hash, rec)
}

func (l *Ledger) MarkPaymentFailed(hash string) error {
	rec, found, err := l.GetPayment(hash)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.State = PaymentFailed
	return l.put(paymentsBucket, hash, rec)
}

func (l *Ledger) put(bucket []byte, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), payload)
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	return nil
}

func (l *Ledger) get(bucket []byte, key string, value any) (bool, error) {
	found := false
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, value); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("persist failure: %w", err)
	}
	return found, nil
}
