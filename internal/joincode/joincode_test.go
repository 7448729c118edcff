package joincode

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateLengthAndCharset(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := Generate()
		require.Len(t, code, Length)
		for _, ch := range code {
			assert.Contains(t, Alphabet, string(ch))
		}
	}
}

func TestAlphabetOmitsAmbiguousCharacters(t *testing.T) {
	for _, ch := range []string{"O", "0", "I", "1"} {
		assert.NotContains(t, Alphabet, ch)
	}
}

func TestGenerateDeterministicWithSource(t *testing.T) {
	a := NewGenerator(rand.New(rand.NewSource(7)))
	b := NewGenerator(rand.New(rand.NewSource(7)))
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Generate(), b.Generate())
	}
}

func TestGenerateN(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))
	assert.Len(t, g.GenerateN(10), 10)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ABC234", Normalize("  abc234 "))
	assert.Equal(t, strings.ToUpper("xyz999"), Normalize("xyz999"))
}
