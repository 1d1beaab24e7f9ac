package ledger

import (
	"crypto/rand"
	"fmt"
	"strings"

	"computehub/internal/license"
)

// keyAlphabet is the character set of the random key body. Uppercase
// plus digits keeps keys typeable and survives the client codec's
// case folding.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const keyBodyLength = 16

// GenerateKey mints a fresh random license key in canonical form,
// COMPUTEHUB-XXXX-XXXX-XXXX-XXXX.
func GenerateKey() (string, error) {
	body := make([]byte, keyBodyLength)
	if _, err := rand.Read(body); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	for i, b := range body {
		body[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}

	var sb strings.Builder
	sb.WriteString(license.KeyPrefix)
	for i := 0; i < keyBodyLength; i += 4 {
		sb.WriteByte('-')
		sb.Write(body[i : i+4])
	}

	key, err := license.NormalizeKey(sb.String())
	if err != nil {
		return "", fmt.Errorf("generated malformed key: %w", err)
	}
	return key, nil
}
