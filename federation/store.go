package federation

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"satchel/engine/library"
)

var (
	federationsBucket = []byte("federations")
	partitionPrefix   = "fed/"
)

// JoinDescriptor is the durable record of a joined federation. Immutable
// once stored; deleted on explicit leave.
type JoinDescriptor struct {
	FederationID library.FederationID `json:"federation_id"`
	InviteCode   string               `json:"invite_code"`
	JoinedAt     int64                `json:"joined_at"`
}

// Store persists the set of joined federations in a bbolt file. One
// top-level bucket holds the descriptor table; each federation additionally
// gets its own partition bucket keyed by its id prefix.
type Store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(federationsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes a descriptor. Saving an already present id is an update, not a
// duplicate insert.
func (s *Store) Save(desc JoinDescriptor) error {
	if desc.JoinedAt == 0 {
		desc.JoinedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(federationsBucket).Put([]byte(desc.FederationID), payload); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(partitionPrefix + library.PrefixOf(desc.FederationID)))
		return err
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	return nil
}

// LoadAll returns every stored descriptor.
func (s *Store) LoadAll() ([]JoinDescriptor, error) {
	var descs []JoinDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(federationsBucket).ForEach(func(k, v []byte) error {
			var desc JoinDescriptor
			if err := json.Unmarshal(v, &desc); err != nil {
				library.LogCLI(fmt.Sprintf("skipping corrupt federation descriptor %s: %s", string(k), err), 2)
				return nil
			}
			descs = append(descs, desc)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	return descs, nil
}

// Delete removes a descriptor and its partition bucket.
func (s *Store) Delete(id library.FederationID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(federationsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		err := tx.DeleteBucket([]byte(partitionPrefix + library.PrefixOf(id)))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	return nil
}
