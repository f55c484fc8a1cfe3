package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"satchel/engine/library"
)

var pendingBucket = []byte("pending_invoices")

// PendingInvoice is a payment request parked for manual approval. It holds
// everything needed to either dispatch the payment later or answer the
// original request with a refusal.
type PendingInvoice struct {
	EventID    string `json:"event_id"` //nostr id of the request event
	ClientPub  string `json:"client_pub"`
	Identifier string `json:"identifier,omitempty"` //d tag from multi_pay_invoice items
	Bolt11     string `json:"bolt11"`
	AmountMsat int64  `json:"amount_msat"`
	Hash       string `json:"hash"`
	ExpiresAt  int64  `json:"expires_at"` //invoice expiry, seconds since epoch
	CreatedAt  int64  `json:"created_at"`
}

// IsExpired reports whether the underlying invoice can no longer be paid.
// Expired entries are swept and answered with an error, never dispatched.
func (p PendingInvoice) IsExpired(now time.Time) bool {
	return p.ExpiresAt != 0 && now.Unix() > p.ExpiresAt
}

// PendingStore is the durable approval queue, keyed by request event id so a
// redelivered request lands on the same entry instead of queueing twice.
type PendingStore struct {
	db *bolt.DB
}

func NewPendingStore(db *bolt.DB) (*PendingStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	return &PendingStore{db: db}, nil
}

func (s *PendingStore) Save(p PendingInvoice) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(p.EventID), payload)
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	return nil
}

func (s *PendingStore) Get(eventID string) (PendingInvoice, bool, error) {
	var p PendingInvoice
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pendingBucket).Get([]byte(eventID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return PendingInvoice{}, false, fmt.Errorf("persist failure: %w", err)
	}
	return p, found, nil
}

// All returns the queue oldest first.
func (s *PendingStore) All() ([]PendingInvoice, error) {
	var pending []PendingInvoice
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var p PendingInvoice
			if err := json.Unmarshal(v, &p); err != nil {
				library.LogCLI(fmt.Sprintf("skipping corrupt pending invoice %s: %s", string(k), err), 2)
				return nil
			}
			pending = append(pending, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt < pending[j].CreatedAt })
	return pending, nil
}

func (s *PendingStore) Delete(eventID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete([]byte(eventID))
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	return nil
}

// Expired returns the entries whose invoices have lapsed.
func (s *PendingStore) Expired(now time.Time) ([]PendingInvoice, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var expired []PendingInvoice
	for _, p := range all {
		if p.IsExpired(now) {
			expired = append(expired, p)
		}
	}
	return expired, nil
}
