package sequence

import (
	"testing"

	"github.com/grailbio/blue/internal/pkmer"
	"github.com/stretchr/testify/assert"
)

func TestAppend(t *testing.T) {
	s := New(nil, nil)
	s.Append('A', 0)
	s.Append('C', 0)
	assert.Equal(t, "AC", string(s.Bases))
}

func TestInsertDeleteAt(t *testing.T) {
	s := New([]byte("ACGT"), []byte{1, 2, 3, 4})
	s.InsertAt(2, 'T', 9)
	assert.Equal(t, "ACTGT", string(s.Bases))
	assert.Equal(t, []byte{1, 2, 9, 3, 4}, s.Quals)

	s.DeleteAt(2)
	assert.Equal(t, "ACGT", string(s.Bases))
	assert.Equal(t, []byte{1, 2, 3, 4}, s.Quals)
}

func TestReplaceAt(t *testing.T) {
	s := New([]byte("ACGTACGT"), nil)
	mer, _ := pkmer.Pack([]byte("TTT"))
	s.ReplaceAt(2, mer, 3)
	assert.Equal(t, "ACTTTCGT", string(s.Bases))
}

func TestTruncateAndSubSlice(t *testing.T) {
	s := New([]byte("ACGTACGT"), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	b, q := s.SubSlice(2, 5)
	assert.Equal(t, "GTA", string(b))
	assert.Equal(t, []byte{3, 4, 5}, q)
	s.Truncate(4)
	assert.Equal(t, "ACGT", string(s.Bases))
	assert.Equal(t, []byte{1, 2, 3, 4}, s.Quals)
}

func TestDropPrefix(t *testing.T) {
	s := New([]byte("ACGTACGT"), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	s.DropPrefix(3)
	assert.Equal(t, "TACGT", string(s.Bases))
	assert.Equal(t, []byte{4, 5, 6, 7, 8}, s.Quals)
}

func TestReverseComplement(t *testing.T) {
	s := New([]byte("ACGT"), []byte{1, 2, 3, 4})
	s.ReverseComplement()
	assert.Equal(t, "ACGT", string(s.Bases))
	assert.Equal(t, []byte{4, 3, 2, 1}, s.Quals)
}

func TestTileNextMatchesTilingInvariant(t *testing.T) {
	s := New([]byte("ACGTTCGATCGATCGATCAGT"), nil)
	k := 16
	var mer pkmer.Mer
	var ok bool
	for i := 0; i+k <= s.Len(); i++ {
		mer, ok = s.TileNext(mer, i, k)
		assert.True(t, ok)
		want, _ := pkmer.Pack(s.Bases[i : i+k])
		assert.Equal(t, want, mer)
	}
}

func TestTileNextInvalidOnN(t *testing.T) {
	s := New([]byte("ACGTNCGATCGATCGATCAGT"), nil)
	k := 16
	_, ok := s.TileNext(0, 0, k)
	assert.False(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	s := New([]byte("ACGT"), []byte{1, 2, 3, 4})
	c := s.Clone()
	c.Bases[0] = 'T'
	assert.Equal(t, byte('A'), s.Bases[0])
}
