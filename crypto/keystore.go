package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrKeystoreMismatch is returned when the identity recorded in a keystore
// file does not match the key it decrypts to.
var ErrKeystoreMismatch = errors.New("crypto: keystore identity mismatch")

// KeystoreStrength selects the scrypt cost used to encrypt a keystore.
type KeystoreStrength int

const (
	// StandardKeystore uses go-ethereum's standard scrypt parameters.
	StandardKeystore KeystoreStrength = iota
	// LightKeystore is cheap to open and meant for throwaway keys.
	LightKeystore
)

func (s KeystoreStrength) params() (int, int) {
	if s == LightKeystore {
		return keystore.LightScryptN, keystore.LightScryptP
	}
	return keystore.StandardScryptN, keystore.StandardScryptP
}

// marketField carries the bech32 identity next to the v3 fields. v3 readers
// ignore it.
const marketField = "market"

// SaveToKeystore encrypts key into a v3 keystore at path and records its
// marketplace identity alongside. The file is written to a temporary sibling
// and renamed into place with 0600 permissions.
func SaveToKeystore(path string, key *PrivateKey, passphrase string, strength KeystoreStrength) (Address, error) {
	if key == nil {
		return Address{}, errors.New("crypto: nil private key")
	}
	if path == "" {
		return Address{}, errors.New("crypto: empty keystore path")
	}
	addr := key.Address()
	id, err := uuid.NewRandom()
	if err != nil {
		return Address{}, err
	}
	scryptN, scryptP := strength.params()
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    common.Address(addr.Raw()),
		PrivateKey: key.PrivateKey,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: encrypt key: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encrypted, &fields); err != nil {
		return Address{}, err
	}
	fields[marketField], err = json.Marshal(addr.String())
	if err != nil {
		return Address{}, err
	}
	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return Address{}, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Address{}, err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return Address{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Address{}, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return Address{}, err
	}
	if err := tmp.Close(); err != nil {
		return Address{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// KeystoreAddress returns the identity recorded in a keystore without
// decrypting it. Plain v3 files without a marketplace field fall back to
// their hex address.
func KeystoreAddress(path string) (Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Address{}, err
	}
	return recordedAddress(data)
}

func recordedAddress(data []byte) (Address, error) {
	var header struct {
		Address string `json:"address"`
		Market  string `json:"market"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return Address{}, fmt.Errorf("crypto: parse keystore: %w", err)
	}
	if header.Market != "" {
		return DecodeAddress(header.Market)
	}
	if header.Address == "" {
		return Address{}, errors.New("crypto: keystore records no address")
	}
	return ParseAddress("0x" + header.Address)
}

// LoadFromKeystore decrypts a keystore written by SaveToKeystore, or any v3
// file, and checks the decrypted key against the recorded identity.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	recorded, err := recordedAddress(data)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, err
	}
	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	if got := key.Address(); got.Raw() != recorded.Raw() {
		return nil, fmt.Errorf("%w: file records %s, key is %s", ErrKeystoreMismatch, recorded, got)
	}
	return key, nil
}
