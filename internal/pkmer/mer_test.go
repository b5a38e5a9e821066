package pkmer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, s := range []string{"A", "ACGT", "TTTTTTTTTTTTTTTT", "ACGTACGTACGTACGTACGTACGTACGTACGT"} {
		mer, ok := Pack([]byte(s))
		assert.True(t, ok, s)
		assert.Equal(t, s, string(Unpack(mer, len(s))))
	}
}

func TestPackRejectsN(t *testing.T) {
	_, ok := Pack([]byte("ACGNT"))
	assert.False(t, ok)
}

func TestRevCompInvolution(t *testing.T) {
	k := 21
	mer, ok := Pack([]byte("ACGTACGTACGGTACGATCGA"))
	assert.True(t, ok)
	rc := RevComp(mer, k)
	assert.Equal(t, mer, RevComp(rc, k))
	assert.NotEqual(t, mer, rc)
}

func TestRevCompKnownValue(t *testing.T) {
	mer, _ := Pack([]byte("ACGT"))
	rc := RevComp(mer, 4)
	assert.Equal(t, "ACGT", string(Unpack(rc, 4)))
}

func TestCanonicalIsMinOfPair(t *testing.T) {
	mer, _ := Pack([]byte("TTTTACGTC"))
	rc := RevComp(mer, 9)
	c := Canonical(mer, 9)
	if mer < rc {
		assert.Equal(t, mer, c)
	} else {
		assert.Equal(t, rc, c)
	}
	assert.Equal(t, c, Canonical(rc, 9))
}

func TestShiftInTilingMatchesPack(t *testing.T) {
	read := []byte("ACGTTCGATCGATCGATCAGT")
	k := 16
	first, ok := Pack(read[:k])
	assert.True(t, ok)
	mer := first
	for i := k; i < len(read); i++ {
		var shiftOK bool
		mer, shiftOK = ShiftIn(mer, read[i], k)
		assert.True(t, shiftOK)
		want, ok := Pack(read[i-k+1 : i+1])
		assert.True(t, ok)
		assert.Equal(t, want, mer)
	}
}

func TestShiftInRejectsNonACGT(t *testing.T) {
	mer, _ := Pack([]byte("ACGTACGT"))
	_, ok := ShiftIn(mer, 'N', 8)
	assert.False(t, ok)
}

func TestIsHomopolymer(t *testing.T) {
	mer, _ := Pack([]byte("ACGTTTT"))
	assert.True(t, IsHomopolymer(mer, 7))
	mer2, _ := Pack([]byte("ACGTTAT"))
	assert.False(t, IsHomopolymer(mer2, 7))
}

func TestIsHomopolymerEnd(t *testing.T) {
	mer, _ := Pack([]byte("ACGTTTA"))
	assert.True(t, IsHomopolymerEnd(mer, 7))
	mer2, _ := Pack([]byte("ACGTTTT"))
	assert.False(t, IsHomopolymerEnd(mer2, 7), "all four identical is not XXXy")
	mer3, _ := Pack([]byte("ACGATCA"))
	assert.False(t, IsHomopolymerEnd(mer3, 7))
}

func TestInitialHomopolymerRun(t *testing.T) {
	mer, _ := Pack([]byte("AAACGT"))
	assert.Equal(t, 3, initialHomopolymerRun(mer, 6))
	mer2, _ := Pack([]byte("ACGTAA"))
	assert.Equal(t, 1, initialHomopolymerRun(mer2, 6))
	mer3, _ := Pack([]byte("GGGGGG"))
	assert.Equal(t, 6, initialHomopolymerRun(mer3, 6))
}
