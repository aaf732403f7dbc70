package sshadapter

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// fingerprintOf returns base64(sha256(marshaled public key)), matching the
// encoding the caller is expected to supply for the expected fingerprint
// (§3, §4.3). The ssh package's own FingerprintSHA256 returns unpadded
// base64 with a "SHA256:" prefix, which is not the wire format this spec
// uses, so the digest is computed directly from the marshaled key bytes
// instead.
func fingerprintOf(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return base64.StdEncoding.EncodeToString(sum[:])
}

// FingerprintMismatchError is returned from the host key callback when the
// caller-supplied expected fingerprint does not match the host's actual key.
type FingerprintMismatchError struct {
	Expected string
	Received string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host fingerprint has changed (expected %s, received %s)", e.Expected, e.Received)
}
