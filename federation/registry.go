package federation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sasha-s/go-deadlock"
	"satchel/engine/library"
	"satchel/fedimint"
)

var (
	// ErrInvalidSecret means a manual secret was not exactly the expected
	// byte width.
	ErrInvalidSecret = errors.New("manual secret must be 64 bytes of hex")
	// ErrNoClientForFederation means no session is joined for the requested id.
	ErrNoClientForFederation = errors.New("no client for federation")
	// ErrAmbiguousPrefix means two or more joined federations share the
	// looked-up prefix. Callers must retry with a full id.
	ErrAmbiguousPrefix = errors.New("federation id prefix is ambiguous")
)

// Registry maps federation ids to live client sessions. One coarse lock
// serializes map mutation and build-then-insert sequences; session internals
// carry their own synchronization.
type Registry struct {
	store   *Store
	builder fedimint.SessionBuilder
	root    []byte

	mu      deadlock.Mutex
	clients map[library.FederationID]fedimint.Session
}

func NewRegistry(store *Store, builder fedimint.SessionBuilder, rootSecret []byte) *Registry {
	return &Registry{
		store:   store,
		builder: builder,
		root:    rootSecret,
		clients: make(map[library.FederationID]fedimint.Session),
	}
}

// LoadAll rebuilds sessions for every stored descriptor. A build failure for
// one federation is logged and skipped; it never aborts startup for the
// others.
func (r *Registry) LoadAll(ctx context.Context) error {
	descs, err := r.store.LoadAll()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range descs {
		if _, exists := r.clients[desc.FederationID]; exists {
			continue
		}
		secret := DeriveSecret(r.root, desc.FederationID, UsageWallet)
		session, err := r.builder.Build(ctx, fedimint.JoinConfig{
			InviteCode:   desc.InviteCode,
			FederationID: desc.FederationID,
		}, secret[:])
		if err != nil {
			library.LogCLI(fmt.Sprintf("failed to load client for federation %s: %s", desc.FederationID, err), 2)
			continue
		}
		r.clients[desc.FederationID] = session
	}
	return nil
}

// Join connects to the federation named by the invite code. Joining an
// already joined federation returns the existing id without building a
// second session. The descriptor is persisted only after the session is
// confirmed built: a crash in between is recovered by re-joining, the
// federation itself remains the source of truth for funds.
func (r *Registry) Join(ctx context.Context, invite string, manualSecret string) (library.FederationID, error) {
	id, err := r.builder.ParseInvite(invite)
	if err != nil {
		return "", err
	}

	var secret [fedimint.SecretLen]byte
	if manualSecret != "" {
		raw, err := hex.DecodeString(strings.TrimSpace(manualSecret))
		if err != nil || len(raw) != fedimint.SecretLen {
			return "", ErrInvalidSecret
		}
		copy(secret[:], raw)
	} else {
		secret = DeriveSecret(r.root, id, UsageWallet)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; exists {
		library.LogCLI(fmt.Sprintf("federation already joined: %s", id), 2)
		return id, nil
	}

	session, err := r.builder.Build(ctx, fedimint.JoinConfig{
		InviteCode:   invite,
		FederationID: id,
	}, secret[:])
	if err != nil {
		return "", err
	}
	if err := r.store.Save(JoinDescriptor{FederationID: id, InviteCode: invite}); err != nil {
		if cerr := session.Close(); cerr != nil {
			library.LogCLI(cerr.Error(), 2)
		}
		return "", err
	}
	r.clients[id] = session
	return id, nil
}

// Get returns the session for an exact federation id.
func (r *Registry) Get(id library.FederationID) (fedimint.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clients[id]
	return s, ok
}

// GetByPrefix looks a session up by the short id form. O(n) over joined
// federations, which stays small. A prefix shared by two joined federations
// is an error rather than a silent first match.
func (r *Registry) GetByPrefix(prefix library.Prefix) (fedimint.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found fedimint.Session
	for id, s := range r.clients {
		if strings.HasPrefix(id, prefix) {
			if found != nil {
				return nil, ErrAmbiguousPrefix
			}
			found = s
		}
	}
	if found == nil {
		return nil, ErrNoClientForFederation
	}
	return found, nil
}

// All returns every live session.
func (r *Registry) All() []fedimint.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]fedimint.Session, 0, len(r.clients))
	for _, id := range sortedIDs(r.clients) {
		sessions = append(sessions, r.clients[id])
	}
	return sessions
}

// IDs returns the joined federation ids in sorted order.
func (r *Registry) IDs() []library.FederationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDs(r.clients)
}

func (r *Registry) Has(id library.FederationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	return ok
}

// Remove drops the session from the map first, so new lookups fail
// immediately, then closes it outside the lock. In-flight operations on the
// session run to completion and surface their own errors.
func (r *Registry) Remove(id library.FederationID) {
	r.mu.Lock()
	session, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok {
		if err := session.Close(); err != nil {
			library.LogCLI(err.Error(), 2)
		}
	}
}

// Leave removes the session and deletes the stored descriptor.
func (r *Registry) Leave(id library.FederationID) error {
	r.Remove(id)
	return r.store.Delete(id)
}

// Balances returns the spendable balance per joined federation.
func (r *Registry) Balances(ctx context.Context) map[library.FederationID]int64 {
	balances := make(map[library.FederationID]int64)
	for _, session := range r.All() {
		msat, err := session.Balance(ctx)
		if err != nil {
			library.LogCLI(fmt.Sprintf("failed to get balance for %s: %s", session.FederationID(), err), 2)
			continue
		}
		balances[session.FederationID()] = msat
	}
	return balances
}

// TotalBalance sums the spendable balance across every joined federation.
func (r *Registry) TotalBalance(ctx context.Context) int64 {
	var total int64
	for _, msat := range r.Balances(ctx) {
		total += msat
	}
	return total
}

// RefreshGatewayCaches refreshes the gateway list of every session. Invoked
// at startup and then periodically by the daemon; failures are logged per
// federation and never fatal.
func (r *Registry) RefreshGatewayCaches(ctx context.Context) {
	for _, session := range r.All() {
		if err := session.Lightning().UpdateGatewayCache(ctx); err != nil {
			library.LogCLI(fmt.Sprintf("failed to update gateway cache for %s: %s", session.FederationID(), err), 2)
		}
	}
}

func sortedIDs(clients map[library.FederationID]fedimint.Session) []library.FederationID {
	ids := make([]library.FederationID, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
