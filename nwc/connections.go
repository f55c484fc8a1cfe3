package nwc

import (
	"fmt"
	"net/url"

	"github.com/nbd-wtf/go-nostr"
	"satchel/federation"
	"satchel/policy"
)

// ConnectionMinter creates profiles and their connection strings. Client keys
// are derived from the root secret by profile index, so every connection is
// recoverable from the seed words alone.
type ConnectionMinter struct {
	Root      []byte
	ServerPub string
	Relay     string
	Profiles  *policy.ProfileStore
}

// Mint allocates a fresh derivation index, persists the profile and returns
// it together with the nostr+walletconnect URI to hand to the controller.
func (m *ConnectionMinter) Mint(label string, commands []string, spending policy.SpendingPolicy) (policy.Profile, string, error) {
	index, err := m.Profiles.NextIndex()
	if err != nil {
		return policy.Profile{}, "", err
	}
	secret := federation.DeriveSecret(m.Root, "", federation.UsageNostrClient(uint32(index)))
	clientSK := federation.NostrKeyFromSecret(secret)
	clientPub, err := nostr.GetPublicKey(clientSK)
	if err != nil {
		return policy.Profile{}, "", fmt.Errorf("cannot derive client key: %w", err)
	}
	profile := policy.Profile{
		Index:     index,
		Label:     label,
		ClientPub: clientPub,
		Relay:     m.Relay,
		Enabled:   true,
		Commands:  commands,
		Policy:    spending,
	}
	if err := m.Profiles.Save(profile); err != nil {
		return policy.Profile{}, "", err
	}
	uri := fmt.Sprintf("nostr+walletconnect://%s?relay=%s&secret=%s", m.ServerPub, url.QueryEscape(m.Relay), clientSK)
	return profile, uri, nil
}
