package diff

import (
	"crypto/sha256"
	"fmt"
)

// Fingerprint computes the stable content hash over normalized text.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", sum)
}
