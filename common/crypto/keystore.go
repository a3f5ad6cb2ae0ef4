package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseMasterKey turns operator-supplied key material into a raw 32-byte key
// for the AES-GCM helpers in this package. Two encodings are accepted:
//
//   - 64 hexadecimal characters (the output of `openssl rand -hex 32`)
//   - exactly 32 raw bytes
//
// Leading and trailing whitespace is ignored so key files may end in a
// newline.
func ParseMasterKey(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	if len(s) == KeySize*2 {
		key, err := hex.DecodeString(s)
		if err == nil {
			return key, nil
		}
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}

	return nil, fmt.Errorf("master key must be %d raw bytes or %d hex chars, got %d bytes",
		KeySize, KeySize*2, len(s))
}
