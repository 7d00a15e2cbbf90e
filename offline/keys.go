package offline

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keys holds the subkeys protecting the engine's on-disk stores.
type Keys struct {
	QueueKey [32]byte // seals queued mutation payloads
	CacheKey [32]byte // seals cached response snapshots
}

// DeriveKeys expands a caller-supplied master key into per-store subkeys.
// The embedding app owns the master key lifecycle (keychain, passphrase,
// whatever the platform provides); the engine only ever sees the expansion.
func DeriveKeys(master [32]byte) (Keys, error) {
	var out Keys

	qk := hkdf.New(sha256.New, master[:], nil, []byte("satchel:v1:queue"))
	if _, err := io.ReadFull(qk, out.QueueKey[:]); err != nil {
		return Keys{}, err
	}

	ck := hkdf.New(sha256.New, master[:], nil, []byte("satchel:v1:cache"))
	if _, err := io.ReadFull(ck, out.CacheKey[:]); err != nil {
		return Keys{}, err
	}

	return out, nil
}
