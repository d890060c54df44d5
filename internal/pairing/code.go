// Package pairing generates and checks the short codes users type to join a session.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	CodeLength = 6
	// Alphabet leaves out O, I, 0 and 1 so codes read back unambiguously.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type Generator interface {
	Generate() (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (string, error)

func (f GeneratorFunc) Generate() (string, error) {
	return f()
}

type RandomGenerator struct{}

func NewGenerator() Generator {
	return RandomGenerator{}
}

func (RandomGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	code := make([]byte, CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		code[i] = Alphabet[n.Int64()]
	}
	return string(code), nil
}

// Normalize uppercases a typed code and drops separators.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// IsWellFormed reports whether code has the shape of a pairing code.
// Any uppercase alphanumeric is accepted so codes issued with a wider
// alphabet stay valid.
func IsWellFormed(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Mask hides the tail of a code for logs.
func Mask(code string) string {
	if len(code) < 3 {
		return "***"
	}
	return code[:2] + strings.Repeat("*", len(code)-2)
}
