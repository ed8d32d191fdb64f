package artifactstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveCredential derives a per-artifact registry password from a
// master storage key, so no two artifacts share a literal secret even
// though they may share a registry account. Grounded on the teacher's
// HMAC-based DeriveProbeKey, switched to HKDF-SHA256 (info-bound
// expansion rather than a single HMAC pass) since this key is handed to
// an external registry client rather than compared locally.
func DeriveCredential(masterKey []byte, artifactID string) (string, error) {
	h := hkdf.New(sha256.New, masterKey, nil, []byte("iacreg-artifact-storage|"+artifactID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(h, out); err != nil {
		return "", fmt.Errorf("derive storage credential: %w", err)
	}
	return hex.EncodeToString(out), nil
}
