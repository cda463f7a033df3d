package progress

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const certificatePrefix = "CERT-"

// NewCertificateID derives a certificate id from the enrollment and the
// completion time, hashed with BLAKE2b-256 under a fresh 16 byte random key.
func NewCertificateID(e Enrollment, at time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	h, err := blake2b.New256(nonce)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	for _, part := range []string{e.ID, e.UserID, e.PathID, at.UTC().Format(time.RFC3339Nano)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}

	sum := hex.EncodeToString(h.Sum(nil))
	return certificatePrefix + strings.ToUpper(sum[:20]), nil
}
