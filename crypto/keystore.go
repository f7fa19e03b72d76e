package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// Keystore files use light scrypt parameters; they only guard party keys for
// the CLI and are not custody keys.
const (
	keystoreScryptN = keystore.LightScryptN
	keystoreScryptP = keystore.LightScryptP
)

// SaveKeystore encrypts key with passphrase into a v3 keystore file at path
// and returns the party address it controls.
func SaveKeystore(path string, key *PrivateKey, passphrase string) (Address, error) {
	if key == nil {
		return Address{}, errors.New("crypto: nil private key")
	}
	if path == "" {
		return Address{}, errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Address{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return Address{}, fmt.Errorf("crypto: keystore %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Address{}, err
	}

	staging, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return Address{}, err
	}
	defer os.RemoveAll(staging)

	ks := keystore.NewKeyStore(staging, keystoreScryptN, keystoreScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return Address{}, err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return Address{}, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return Address{}, err
	}
	return key.PubKey().Address(), nil
}

// LoadKeystore decrypts a v3 keystore file using the supplied passphrase.
func LoadKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
