package actors

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nbd-wtf/go-nostr/nip06"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/library"
)

var currentIdentity library.Identity
var currentIdentityMutex = &deadlock.Mutex{}

// MyIdentity returns the current root identity or creates a new one if there
// isn't one already. The root secret is the 64 byte seed expanded from the
// seed words; everything else the process uses is derived from it.
func MyIdentity() library.Identity {
	currentIdentityMutex.Lock()
	defer currentIdentityMutex.Unlock()
	if len(currentIdentity.RootSecret) == 0 {
		//try to restore identity from disk
		if id, ok := getIdentityFromDisk(); ok {
			currentIdentity = id
		} else {
			library.LogCLI("Generating a new root identity, write down the seed words if you want to keep it", 4)
			currentIdentity = makeNewIdentity()
			fmt.Printf("\n\n~NEW IDENTITY~\nSeed Words: %s\n\n", currentIdentity.SeedWords)
		}
		if err := persistCurrentIdentity(); err != nil {
			library.LogCLI(err.Error(), 0)
		}
	}
	return currentIdentity
}

// MarkInfoSent records that the wallet capability event has been broadcast so
// we don't send it again on every restart.
func MarkInfoSent() {
	currentIdentityMutex.Lock()
	defer currentIdentityMutex.Unlock()
	currentIdentity.SentInfo = true
	if err := persistCurrentIdentity(); err != nil {
		library.LogCLI(err.Error(), 1)
	}
}

// RootSecret decodes the current identity's root secret.
func RootSecret() []byte {
	secret, err := hex.DecodeString(MyIdentity().RootSecret)
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	return secret
}

func makeNewIdentity() library.Identity {
	seedWords, err := nip06.GenerateSeedWords()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	seed := nip06.SeedFromWords(seedWords)
	return library.Identity{
		SeedWords:  seedWords,
		RootSecret: hex.EncodeToString(seed),
	}
}

func keysFile() string {
	return MakeOrGetConfig().GetString("rootDir") + "keys.dat"
}

func persistCurrentIdentity() error {
	file, err := os.Create(keysFile())
	if err != nil {
		return err
	}
	defer file.Close()
	bytes, err := json.Marshal(currentIdentity)
	if err != nil {
		return err
	}
	_, err = file.Write(bytes)
	return err
}

func getIdentityFromDisk() (id library.Identity, ok bool) {
	file, err := os.ReadFile(keysFile())
	if err != nil {
		library.LogCLI(fmt.Sprintf("Error getting keys file: %s", err.Error()), 2)
		return library.Identity{}, false
	}
	err = json.Unmarshal(file, &id)
	if err != nil {
		library.LogCLI(fmt.Sprintf("Error parsing keys file: %s", err.Error()), 3)
		return library.Identity{}, false
	}
	if len(id.RootSecret) == 0 {
		return library.Identity{}, false
	}
	return id, true
}
