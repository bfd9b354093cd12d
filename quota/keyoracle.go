package quota

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/quotaward/quotaward/engine/core"
)

// KeyOracle resolves tokenization keys by id and names the current key
// generation. It is an external collaborator per spec.md §4.2 — this
// package only consumes it. No example repo implements such an oracle
// (the closest analogue, key-management clients in the pack, all wrap a
// managed cloud KMS rather than a rotate-by-id local scheme), so only a
// stdlib-backed test double lives here; see DESIGN.md.
type KeyOracle interface {
	// CurrentKeyID returns the id writers should tokenize new groups under.
	CurrentKeyID(ctx context.Context) (string, error)
	// Key returns the raw HMAC key material for keyID.
	Key(ctx context.Context, keyID string) ([]byte, error)
}

// StaticKeyOracle is a fixed-keyset KeyOracle, useful for tests and for
// single-key deployments that never rotate.
type StaticKeyOracle struct {
	currentID string
	keys      map[string][]byte
}

// NewStaticKeyOracle builds a StaticKeyOracle whose current key is keyID.
// keys must contain an entry for keyID and may contain older generations.
func NewStaticKeyOracle(keyID string, keys map[string][]byte) *StaticKeyOracle {
	cp := make(map[string][]byte, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &StaticKeyOracle{currentID: keyID, keys: cp}
}

func (s *StaticKeyOracle) CurrentKeyID(_ context.Context) (string, error) {
	return s.currentID, nil
}

func (s *StaticKeyOracle) Key(_ context.Context, keyID string) ([]byte, error) {
	k, ok := s.keys[keyID]
	if !ok {
		return nil, notFoundf("key %q", keyID)
	}
	return k, nil
}

// tokenizeResource computes the HMAC-SHA256 token for (acquirerID, resource)
// under key, using core.WriteStableJSON so the serialized pair is stable
// across map-ordering and encoding changes.
func tokenizeResource(key []byte, acquirerID, resource string) string {
	var buf bytes.Buffer
	core.WriteStableJSON(&buf, []string{acquirerID, resource})
	mac := hmac.New(sha256.New, key)
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil))
}
