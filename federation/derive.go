// Package federation owns the multi-federation client registry: secret
// derivation, durable membership and the in-memory session map.
package federation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
	"satchel/engine/library"
	"satchel/fedimint"
)

// Usage paths are fixed: adding a new derived purpose must never perturb an
// existing derivation.
const (
	UsageWallet      = "wallet"
	UsageNostrServer = "nostr-server"
)

// UsageNostrClient is the per-profile protocol identity path.
func UsageNostrClient(index uint32) string {
	return fmt.Sprintf("nostr-client/%d", index)
}

const deriveSalt = "satchel/derive/v0"

// DeriveSecret deterministically derives a child secret for the given
// federation and usage from the root secret. Pure function: the same inputs
// always yield the same output across restarts, and distinct (federation,
// usage) pairs yield distinct outputs. The usage path and federation id are
// bound into the HKDF info with a separator neither can contain.
func DeriveSecret(root []byte, id library.FederationID, usage string) [fedimint.SecretLen]byte {
	var secret [fedimint.SecretLen]byte
	info := usage + "\x00" + id
	r := hkdf.New(sha256.New, root, []byte(deriveSalt), []byte(info))
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		library.LogCLI(err.Error(), 0)
	}
	return secret
}

// NostrKeyFromSecret reduces a derived secret to a secp256k1 private key in
// the hex form the nostr library expects.
func NostrKeyFromSecret(secret [fedimint.SecretLen]byte) string {
	priv, _ := btcec.PrivKeyFromBytes(secret[:32])
	return hex.EncodeToString(priv.Serialize())
}
