package fedimint

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"satchel/engine/library"
)

const inviteHRP = "fed1"

// ParseInviteCode extracts the federation id embedded in a bech32m invite
// code. The payload starts with a one byte variant tag followed by the 32
// byte federation id; the guardian URLs that follow are opaque to us, the
// builder hands the whole code to the client library.
func ParseInviteCode(invite string) (library.FederationID, error) {
	invite = strings.TrimSpace(invite)
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(invite))
	if err != nil {
		return "", fmt.Errorf("invalid invite code: %w", err)
	}
	if hrp+"1" != inviteHRP {
		return "", fmt.Errorf("invalid invite code: expected %s prefix, got %s1", inviteHRP, hrp)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("invalid invite code: %w", err)
	}
	if len(payload) < 33 {
		return "", fmt.Errorf("invalid invite code: payload too short")
	}
	return hex.EncodeToString(payload[1:33]), nil
}
