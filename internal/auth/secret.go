package auth

import (
	"crypto/rand"
	"fmt"
	"io"
)

// DefaultCodeLength is the number of digits in an OTP code.
const DefaultCodeLength = 6

// SecretGenerator produces numeric OTP codes from a secure random source.
type SecretGenerator struct {
	rand io.Reader
}

// NewSecretGenerator returns a generator reading from r; nil means crypto/rand.
func NewSecretGenerator(r io.Reader) *SecretGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &SecretGenerator{rand: r}
}

// Generate returns a decimal string of exactly length digits (DefaultCodeLength
// if length <= 0). Bytes >= 250 are rejected so every digit is uniform over 0-9.
func (g *SecretGenerator) Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	code := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(code) < length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			code = append(code, '0'+b%10)
			if len(code) == length {
				break
			}
		}
	}
	return string(code), nil
}
