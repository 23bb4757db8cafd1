package identity

import (
	"crypto/rand"
	"errors"

	"github.com/magical/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// vault seals key material with a passphrase before it is written into a
// KeyStore's backing bucket, adapted from the teacher's crypto/vault/vault.go
// (same argon2 stretch + NaCl SecretBox scheme, generalized to operate on
// in-memory byte blobs instead of PEM files since persistence is now the
// KeyStore capability's job).
type vault struct {
	passphrase string
}

const (
	argon2SaltSize     = 8
	passphraseMinSize  = 12
	secretboxNonceSize = 24
)

var errPassphraseTooShort = errors.New("identity: passphrase too short")

func newVault(passphrase string) (*vault, error) {
	if len(passphrase) < passphraseMinSize {
		return nil, errPassphraseTooShort
	}
	return &vault{passphrase: passphrase}, nil
}

func (v *vault) stretch(salt []byte) ([]byte, error) {
	const keyLen = 32
	const parallelism = 2
	const memKiB = int64(1 << 16)
	const iterations = 32
	return argon2.Key([]byte(v.passphrase), salt, iterations, parallelism, memKiB, keyLen)
}

// seal encrypts plaintext, returning salt||nonce||ciphertext.
func (v *vault) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, argon2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	stretched, err := v.stretch(salt)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], stretched)

	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &key)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// open reverses seal.
func (v *vault) open(blob []byte) ([]byte, error) {
	if len(blob) < argon2SaltSize+secretboxNonceSize {
		return nil, errors.New("identity: sealed blob too short")
	}
	salt := blob[:argon2SaltSize]
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], blob[argon2SaltSize:argon2SaltSize+secretboxNonceSize])
	ciphertext := blob[argon2SaltSize+secretboxNonceSize:]

	stretched, err := v.stretch(salt)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], stretched)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, errors.New("identity: vault MAC verification failed")
	}
	return plaintext, nil
}
