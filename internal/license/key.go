package license

import (
	"fmt"
	"strings"
)

const (
	// KeyPrefix is the literal product prefix every key starts with.
	KeyPrefix = "COMPUTEHUB"

	keyGroups    = 4
	keyGroupSize = 4
)

// maskedUnknown is what Mask returns for input it cannot parse. It
// reveals nothing beyond the product prefix.
const maskedUnknown = KeyPrefix + "-****-****-****-****"

// NormalizeKey canonicalizes user-entered key material: surrounding
// whitespace is trimmed, letters are uppercased, and hyphens are
// re-inserted at group boundaries regardless of how the user typed
// them. The result is COMPUTEHUB-XXXX-XXXX-XXXX-XXXX or
// ErrInvalidKeyFormat. Normalizing an already-canonical key returns
// it unchanged.
func NormalizeKey(raw string) (string, error) {
	compact := strings.ToUpper(strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, raw))

	if !strings.HasPrefix(compact, KeyPrefix) {
		return "", fmt.Errorf("%w: missing %s prefix", ErrInvalidKeyFormat, KeyPrefix)
	}
	body := compact[len(KeyPrefix):]
	if len(body) != keyGroups*keyGroupSize {
		return "", fmt.Errorf("%w: expected %d characters after the prefix, got %d",
			ErrInvalidKeyFormat, keyGroups*keyGroupSize, len(body))
	}
	for _, r := range body {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: key contains characters outside A-Z and 0-9",
				ErrInvalidKeyFormat)
		}
	}

	var b strings.Builder
	b.Grow(len(KeyPrefix) + keyGroups*(keyGroupSize+1))
	b.WriteString(KeyPrefix)
	for i := 0; i < keyGroups; i++ {
		b.WriteByte('-')
		b.WriteString(body[i*keyGroupSize : (i+1)*keyGroupSize])
	}
	return b.String(), nil
}

// ValidKey reports whether raw normalizes to a canonical key.
func ValidKey(raw string) bool {
	_, err := NormalizeKey(raw)
	return err == nil
}

// MaskKey renders a key for logs and UI. Only the prefix and the last
// group survive; every interior group is replaced by asterisks. Input
// that does not parse masks to a fixed placeholder so a typo can never
// leak key material.
func MaskKey(raw string) string {
	key, err := NormalizeKey(raw)
	if err != nil {
		return maskedUnknown
	}
	last := key[len(key)-keyGroupSize:]
	return KeyPrefix + "-****-****-****-" + last
}
