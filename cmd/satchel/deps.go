package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nbd-wtf/go-nostr"
	bolt "go.etcd.io/bbolt"
	"satchel/engine/actors"
	"satchel/federation"
	"satchel/fedimint"
	"satchel/nwc"
	"satchel/policy"
)

// services is the wiring every subcommand shares: the database, the stores
// on top of it, the federation registry and the derived server identity.
type services struct {
	db       *bolt.DB
	store    *federation.Store
	registry *federation.Registry
	profiles *policy.ProfileStore
	pending  *policy.PendingStore
	ledger   *nwc.Ledger

	root      []byte
	serverSK  string
	serverPub string
}

func openServices() (*services, error) {
	conf := actors.MakeOrGetConfig()
	dataDir := conf.GetString("rootDir") + conf.GetString("dataDir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dataDir+"satchel.db", 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open database (is another satchel running?): %w", err)
	}
	store, err := federation.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	profiles, err := policy.NewProfileStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	pending, err := policy.NewPendingStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	ledger, err := nwc.NewLedger(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	root := actors.RootSecret()
	serverSecret := federation.DeriveSecret(root, "", federation.UsageNostrServer)
	serverSK := federation.NostrKeyFromSecret(serverSecret)
	serverPub, err := nostr.GetPublicKey(serverSK)
	if err != nil {
		db.Close()
		return nil, err
	}

	builder := fedimint.NewClientdBuilder(conf.GetString("clientdUrl"), conf.GetString("clientdPassword"))
	registry := federation.NewRegistry(store, builder, root)

	return &services{
		db:        db,
		store:     store,
		registry:  registry,
		profiles:  profiles,
		pending:   pending,
		ledger:    ledger,
		root:      root,
		serverSK:  serverSK,
		serverPub: serverPub,
	}, nil
}

func (s *services) Close() {
	for _, id := range s.registry.IDs() {
		s.registry.Remove(id)
	}
	if err := s.db.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func (s *services) minter(relay string) *nwc.ConnectionMinter {
	return &nwc.ConnectionMinter{
		Root:      s.root,
		ServerPub: s.serverPub,
		Relay:     relay,
		Profiles:  s.profiles,
	}
}
