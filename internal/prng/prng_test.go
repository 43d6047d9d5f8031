package prng

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorProducesRequestedLength(t *testing.T) {
	g := New()
	for _, n := range []int{0, 1, 15, 16, 17, 1024, 4096} {
		b := make([]byte, n)
		got, err := g.Read(b)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}

func TestTwoGeneratorsDoNotCollide(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large draw comparison in short mode")
	}

	const draws = 100000

	a, b := New(), New()
	seen := make(map[[32]byte]struct{}, draws*2)

	drawInto := func(g *Generator) {
		for i := 0; i < draws; i++ {
			var buf [32]byte
			_, err := g.Read(buf[:])
			require.NoError(t, err)
			_, dup := seen[buf]
			require.False(t, dup, "duplicate 32-byte draw observed")
			seen[buf] = struct{}{}
		}
	}

	drawInto(a)
	drawInto(b)
	require.Len(t, seen, draws*2)
}

func TestBytesHelperUsesGlobal(t *testing.T) {
	b1 := Bytes(32)
	b2 := Bytes(32)
	require.Len(t, b1, 32)
	require.NotEqual(t, b1, b2)
}
