package fedsig

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// verifyDigest recomputes the SHA-256 digest of body and byte-compares it
// against the value carried in an inbound Digest header (§4.2: "the digest
// is recomputed and byte-compared, never trusted as-is").
func verifyDigest(header string, body []byte) error {
	algo, encoded, ok := strings.Cut(header, "=")
	if !ok {
		return fmt.Errorf("fedsig: malformed Digest header %q", header)
	}
	if !strings.EqualFold(algo, "SHA-256") {
		return fmt.Errorf("fedsig: unsupported digest algorithm %q", algo)
	}

	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if want != encoded {
		return fmt.Errorf("fedsig: digest mismatch")
	}
	return nil
}
