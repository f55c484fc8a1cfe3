package library

// FederationID is the hex encoded 32 byte identifier of a federation.
type FederationID = string

// Prefix is the short form of a FederationID: the first 4 bytes (8 hex
// characters). Ecash notes only carry the prefix of the federation that
// issued them, so coarse lookups use this form.
type Prefix = string

const PrefixHexLen = 8

// PrefixOf truncates a full federation id to its prefix form.
func PrefixOf(id FederationID) Prefix {
	if len(id) < PrefixHexLen {
		return id
	}
	return id[:PrefixHexLen]
}

// Identity is the operator's root key material. The seed words alone can
// restore everything: the root secret is the seed they expand to, and every
// per-federation wallet secret and protocol identity key is derived from it.
type Identity struct {
	SeedWords  string
	RootSecret string //hex, 64 bytes
	SentInfo   bool   //whether the wallet capability event has been broadcast
}
