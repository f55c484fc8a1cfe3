package federation

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSecretDeterministic(t *testing.T) {
	root := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	a := DeriveSecret(root, "aa11aa11", UsageWallet)
	b := DeriveSecret(root, "aa11aa11", UsageWallet)
	require.Equal(t, a, b)
}

func TestDeriveSecretPairwiseDistinct(t *testing.T) {
	root := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	federations := []string{"", "aa11aa11", "aa11aa12", "bb22bb22"}
	usages := []string{UsageWallet, UsageNostrServer, UsageNostrClient(0), UsageNostrClient(1), UsageNostrClient(10)}

	seen := make(map[string]string)
	for _, fed := range federations {
		for _, usage := range usages {
			secret := DeriveSecret(root, fed, usage)
			key := hex.EncodeToString(secret[:])
			if prev, dup := seen[key]; dup {
				t.Fatalf("collision between (%s,%s) and %s", fed, usage, prev)
			}
			seen[key] = fed + "/" + usage
		}
	}
}

func TestDeriveSecretSeparatorCannotAlias(t *testing.T) {
	// "wallet" + fed "x" must not collide with usage "walletx" + fed "".
	root := []byte("some root material")
	a := DeriveSecret(root, "x", "wallet")
	b := DeriveSecret(root, "", "walletx")
	require.NotEqual(t, a, b)
}

func TestDeriveSecretDependsOnRoot(t *testing.T) {
	a := DeriveSecret([]byte("root one"), "aa11aa11", UsageWallet)
	b := DeriveSecret([]byte("root two"), "aa11aa11", UsageWallet)
	require.NotEqual(t, a, b)
}

func TestNostrKeyFromSecret(t *testing.T) {
	secret := DeriveSecret([]byte("root"), "", UsageNostrServer)
	key := NostrKeyFromSecret(secret)
	require.Len(t, key, 64)
	_, err := hex.DecodeString(key)
	require.NoError(t, err)
	// stable across calls
	require.Equal(t, key, NostrKeyFromSecret(secret))
}
