// Package calltoken mints and verifies the opaque bearer tokens the
// dispatcher hands the external executor on each callback channel.
//
// Two distinct token families share this package's machinery but must
// never be accepted at each other's endpoints: "breg_" tokens authenticate
// registry CRUD callers, "brce_" tokens authenticate the callback the
// executor uses to report plan/apply progress back for a single run. Only
// the SHA-256 hash of a minted token is ever persisted; the raw token is
// shown to the caller exactly once.
package calltoken

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Prefix identifies a token family.
type Prefix string

const (
	// PrefixCallback marks tokens minted for a single run's executor
	// callback channel.
	PrefixCallback Prefix = "brce_"
	// PrefixRegistry marks tokens minted for registry CRUD callers.
	PrefixRegistry Prefix = "breg_"

	rawTokenBytes = 32
)

// Minted is a freshly minted token: the raw secret, shown once, and the
// hash stored for future verification.
type Minted struct {
	Token string
	Hash  string
}

// Mint generates a new token in the given family: a CSPRNG-derived secret
// prefixed with the family marker, and its SHA-256 hash in hex.
func Mint(prefix Prefix) (Minted, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Minted{}, fmt.Errorf("generate token bytes: %w", err)
	}
	token := string(prefix) + hex.EncodeToString(buf)
	return Minted{Token: token, Hash: Hash(token)}, nil
}

// Hash returns the hex-encoded SHA-256 digest of a token, the form stored
// alongside a run or a caller record.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether token hashes to storedHash, using a
// constant-time comparison so timing cannot leak partial matches.
func Verify(token, storedHash string) bool {
	got, err := hex.DecodeString(Hash(token))
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// HasPrefix reports whether token belongs to the given family. Endpoints
// must check this before attempting a hash lookup, so a callback token
// presented at a registry endpoint (or vice versa) is rejected outright
// rather than failing a lookup that could, for a colliding hash space,
// behave inconsistently.
func HasPrefix(token string, prefix Prefix) bool {
	return strings.HasPrefix(token, string(prefix))
}

// ExtractBearer returns the token carried in an Authorization header value
// after a case-sensitive "Bearer " prefix, or ok=false if the header does
// not carry one.
func ExtractBearer(header string) (token string, ok bool) {
	const schema = "Bearer "
	if !strings.HasPrefix(header, schema) {
		return "", false
	}
	rest := header[len(schema):]
	if rest == "" {
		return "", false
	}
	return rest, true
}
