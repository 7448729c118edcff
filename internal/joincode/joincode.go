// Package joincode generates participant join codes.
package joincode

import (
	"crypto/rand"
	"strings"
)

// Alphabet excludes characters that are easy to confuse when codes are
// read aloud or copied from paper: O/0 and I/1.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the default code length. 32^6 is around a billion
// combinations, plenty for collision-retry against a unique index.
const Length = 6

// RandSource allows deterministic code generation in tests.
type RandSource interface {
	Intn(n int) int
}

// Generator produces join codes with configurable randomness.
type Generator struct {
	randSource RandSource
}

// NewGenerator creates a generator. A nil RandSource uses crypto/rand.
func NewGenerator(randSource RandSource) *Generator {
	return &Generator{randSource: randSource}
}

// Generate creates a code of the default length using crypto/rand.
func Generate() string {
	return NewGenerator(nil).Generate()
}

// Generate creates a code of the default length.
func (g *Generator) Generate() string {
	return g.GenerateN(Length)
}

// GenerateN creates a code of n characters.
func (g *Generator) GenerateN(n int) string {
	var sb strings.Builder
	sb.Grow(n)

	if g.randSource != nil {
		for i := 0; i < n; i++ {
			sb.WriteByte(Alphabet[g.randSource.Intn(len(Alphabet))])
		}
		return sb.String()
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("joincode: failed to read random bytes: " + err.Error())
	}
	for i := 0; i < n; i++ {
		sb.WriteByte(Alphabet[int(buf[i])%len(Alphabet)])
	}
	return sb.String()
}

// Normalize uppercases and trims a user-supplied code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
