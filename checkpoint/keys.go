package checkpoint

import (
	"fmt"
	"os"

	"filippo.io/age"
)

// EncryptionFromIdentityFile reads an age X25519 identity file and returns
// an option that encrypts to its recipient and decrypts with it.
func EncryptionFromIdentityFile(path string) (Option, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open identity: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse identity: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return WithEncryption(x.Recipient(), x), nil
		}
	}
	return nil, fmt.Errorf("checkpoint: %s holds no X25519 identity", path)
}
