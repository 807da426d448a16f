package swap

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// newCipher constructs the AEAD used to encrypt every page written to a
// swap slot, the concrete algorithm behind "encrypted backing storage".
func newCipher(key [chacha20poly1305.KeySize]byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key[:])
}

// encryptPage seals plain under a fresh random nonce, prepending the
// nonce to the returned ciphertext so decryptPage can recover it.
func encryptPage(aead cipher.AEAD, plain []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("swap: generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// decryptPage reverses encryptPage.
func decryptPage(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("swap: slot payload shorter than nonce")
	}
	nonce, ct := sealed[:ns], sealed[ns:]
	return aead.Open(nil, nonce, ct, nil)
}
