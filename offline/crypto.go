package offline

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope is a sealed payload as stored at rest.
type Envelope struct {
	NonceB64 string
	CTB64    string
}

// SealEnvelope encrypts plaintext with XChaCha20-Poly1305, binding it to aad
// so an envelope copied between rows fails to open.
func SealEnvelope(key [32]byte, plaintext, aad []byte) (Envelope, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return Envelope{
		NonceB64: base64.StdEncoding.EncodeToString(nonce),
		CTB64:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// OpenEnvelope reverses SealEnvelope.
func OpenEnvelope(key [32]byte, env Envelope, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return nil, err
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("invalid nonce size")
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, aad)
}
