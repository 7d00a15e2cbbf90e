package offline

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	keys := testKeys(t)
	aad := []byte("v1|w-1|note|update")

	env, err := SealEnvelope(keys.QueueKey, []byte(`{"v":1}`), aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := OpenEnvelope(keys.QueueKey, env, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plain, []byte(`{"v":1}`)) {
		t.Errorf("plaintext = %s", plain)
	}
}

func TestEnvelopeAADBinding(t *testing.T) {
	keys := testKeys(t)
	env, err := SealEnvelope(keys.QueueKey, []byte(`{"v":1}`), []byte("v1|w-1|note|update"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// An envelope copied under a different row identity must not open.
	if _, err := OpenEnvelope(keys.QueueKey, env, []byte("v1|w-2|note|update")); err == nil {
		t.Error("open succeeded with mismatched aad")
	}
	// Nor with the other store's subkey.
	if _, err := OpenEnvelope(keys.CacheKey, env, []byte("v1|w-1|note|update")); err == nil {
		t.Error("open succeeded with the wrong key")
	}
}
