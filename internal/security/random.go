// Package security contains the secure random helpers behind region GUIDs
// and temporary object names.
package security

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// RandomToken returns 128 unguessable bits as two words. It never returns
// an all-zero token, which callers use as the "no token" value.
func RandomToken() (high, low uint64, err error) {
	var b [16]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, 0, fmt.Errorf("random token: %w", err)
		}
		high = binary.LittleEndian.Uint64(b[:8])
		low = binary.LittleEndian.Uint64(b[8:])
		if high != 0 || low != 0 {
			return high, low, nil
		}
	}
}

// RandomName returns a random hex string of 2*n characters.
func RandomName(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random name: %w", err)
	}
	return hex.EncodeToString(b), nil
}
