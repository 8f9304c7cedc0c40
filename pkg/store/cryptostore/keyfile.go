package cryptostore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// The current supported version of the key file format stored on disk.
const keyFileVersion = 1

// ErrWrongPassphrase is returned when the passphrase is incorrect or the
// key file has been modified.
var ErrWrongPassphrase = errors.New("cryptostore: wrong passphrase or corrupted key file")

// keyFileBlob is the on-disk JSON structure holding the sealed key and KDF
// parameters.
type keyFileBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

// CreateKeyFile generates a fresh sealing key, seals it under the
// passphrase, writes it to path and returns the key for immediate use.
func CreateKeyFile(path, passphrase string) (*memguard.LockedBuffer, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	N, r, p := scryptParamsDefault()
	derived, err := scrypt.Key([]byte(passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("init aead: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce; salt-bound key guarantees uniqueness
	ct := aead.Seal(nil, nonce[:], key.Bytes(), salt[:])

	b, err := json.Marshal(keyFileBlob{V: keyFileVersion, Salt: salt[:], N: N, R: r, P: p, Cipher: ct})
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("encode key file: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// LoadKeyFile opens the sealed key at path using the passphrase.
func LoadKeyFile(path, passphrase string) (*memguard.LockedBuffer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var bl keyFileBlob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	if bl.V > keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", bl.V)
	}
	derived, err := scrypt.Key([]byte(passphrase), bl.Salt, bl.N, bl.R, bl.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	raw, err := aead.Open(nil, nonce[:], bl.Cipher, bl.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return memguard.NewBufferFromBytes(raw), nil
}
