package policy

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/slices"
	"satchel/engine/library"
)

var profilesBucket = []byte("profiles")

// Profile is one remote controller: a client pubkey that may send wallet
// commands, with the policy that gates what those commands can spend.
type Profile struct {
	Index     uint64         `json:"index"`
	Label     string         `json:"label"`
	ClientPub string         `json:"client_pub"`
	Relay     string         `json:"relay,omitempty"`
	Enabled   bool           `json:"enabled"`
	Archived  bool           `json:"archived"`
	Commands  []string       `json:"commands,omitempty"`
	Policy    SpendingPolicy `json:"policy"`
	CreatedAt int64          `json:"created_at"`
}

// Active reports whether requests from this profile should be served at all.
func (p Profile) Active() bool { return p.Enabled && !p.Archived }

// AvailableCommands returns the methods this profile may invoke. A profile
// with no explicit command list gets pay_invoice only, which keeps old
// connection strings conservative.
func (p Profile) AvailableCommands() []string {
	if len(p.Commands) == 0 {
		return []string{"pay_invoice"}
	}
	return p.Commands
}

// MayInvoke reports whether method is on the profile's command list.
func (p Profile) MayInvoke(method string) bool {
	return slices.Contains(p.AvailableCommands(), method)
}

// ProfileStore persists profiles in a bbolt bucket keyed by client pubkey.
type ProfileStore struct {
	db *bolt.DB
}

func NewProfileStore(db *bolt.DB) (*ProfileStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(profilesBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	return &ProfileStore{db: db}, nil
}

// NextIndex hands out a fresh derivation index. Indices are never reused,
// even after a profile is archived or deleted.
func (s *ProfileStore) NextIndex() (uint64, error) {
	var index uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		index, err = tx.Bucket(profilesBucket).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("persist failure: %w", err)
	}
	return index, nil
}

func (s *ProfileStore) Save(p Profile) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(profilesBucket).Put([]byte(p.ClientPub), payload)
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	return nil
}

// Get returns the profile for a client pubkey, or false when none exists.
func (s *ProfileStore) Get(clientPub string) (Profile, bool, error) {
	var p Profile
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(profilesBucket).Get([]byte(clientPub))
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
		return Profile{}, false, fmt.Errorf("persist failure: %w", err)
	}
	return p, found, nil
}

// All returns every stored profile, corrupt records skipped with a warning.
func (s *ProfileStore) All() ([]Profile, error) {
	var profiles []Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(profilesBucket).ForEach(func(k, v []byte) error {
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				library.LogCLI(fmt.Sprintf("skipping corrupt profile %s: %s", string(k), err), 2)
				return nil
			}
			profiles = append(profiles, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	return profiles, nil
}

func (s *ProfileStore) Delete(clientPub string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(profilesBucket).Delete([]byte(clientPub))
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	return nil
}
