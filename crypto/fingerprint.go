package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
