package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const sessionCodeSpace = 1_000_000

// CodeGenerator produces candidate session codes.
type CodeGenerator func() (string, error)

// GenerateSessionCode returns a uniformly random 6-digit code, zero padded.
func GenerateSessionCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(sessionCodeSpace))
	if err != nil {
		return "", fmt.Errorf("failed to read random code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IsValidSessionCode reports whether code is exactly 6 ASCII digits.
func IsValidSessionCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
