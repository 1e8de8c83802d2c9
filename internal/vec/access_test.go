package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/spm/internal/boundary"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

func callVectors(in [][]byte, out [][]byte) *Vectors {
	v := &Vectors{InCount: len(in), OutCount: len(out)}
	for i, buf := range in {
		v.In[i] = boundary.Ref(buf)
	}
	for i, buf := range out {
		v.Out[i] = boundary.Ref(buf)
	}
	return v
}

func TestReadDrainsVector(t *testing.T) {
	v := callVectors([][]byte{[]byte("hello world")}, nil)

	dst := make([]byte, 5)
	n, err := v.Read(0, dst)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst))

	n, err = v.Read(0, make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	// Exhausted: every further read returns 0.
	n, err = v.Read(0, dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadSkipNeverExceedDeclaredLength(t *testing.T) {
	payload := []byte("0123456789")
	v := callVectors([][]byte{payload}, nil)

	total := 0
	n, err := v.Read(0, make([]byte, 4))
	require.NoError(t, err)
	total += n

	n, err = v.Skip(0, 3)
	require.NoError(t, err)
	total += n

	n, err = v.Skip(0, 100)
	require.NoError(t, err)
	total += n
	assert.Equal(t, len(payload), total)

	n, err = v.Skip(0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadUndeclaredSlotIsEmpty(t *testing.T) {
	v := callVectors([][]byte{[]byte("abc")}, nil)

	n, err := v.Read(1, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadOutOfRangeSlot(t *testing.T) {
	v := callVectors(nil, nil)

	_, err := v.Read(types.MaxIOVec, make([]byte, 1))
	assert.Error(t, err)
	_, err = v.Skip(-1, 1)
	assert.Error(t, err)
}

func TestWriteRespectsCapacity(t *testing.T) {
	out := make([]byte, 4)
	v := callVectors(nil, [][]byte{out})

	require.NoError(t, v.Write(0, []byte("po")))
	require.NoError(t, v.Write(0, []byte("ng")))
	assert.Equal(t, "pong", string(out))
	assert.Equal(t, 4, v.Written()[0])

	// One byte past the declared capacity is rejected before any copy.
	err := v.Write(0, []byte("x"))
	assert.Error(t, err)
	assert.Equal(t, "pong", string(out))
}

func TestWriteUndeclaredSlot(t *testing.T) {
	v := callVectors(nil, [][]byte{make([]byte, 4)})

	err := v.Write(1, []byte("x"))
	assert.Error(t, err)
}

func TestMapThenCopyAccessFails(t *testing.T) {
	for idx := 0; idx < types.MaxIOVec; idx++ {
		in := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
		v := callVectors(in, nil)

		_, err := v.MapInvec(idx)
		require.NoError(t, err, "map slot %d", idx)

		_, err = v.Read(idx, make([]byte, 1))
		assert.Error(t, err, "read after map on slot %d", idx)
		_, err = v.Skip(idx, 1)
		assert.Error(t, err, "skip after map on slot %d", idx)
	}
}

func TestCopyAccessThenMapFails(t *testing.T) {
	for idx := 0; idx < types.MaxIOVec; idx++ {
		in := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
		v := callVectors(in, nil)

		_, err := v.Read(idx, make([]byte, 1))
		require.NoError(t, err)

		_, err = v.MapInvec(idx)
		assert.Error(t, err, "map after read on slot %d", idx)
	}
}

func TestDoubleMapFails(t *testing.T) {
	v := callVectors([][]byte{[]byte("data")}, nil)

	view, err := v.MapInvec(0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(view))

	_, err = v.MapInvec(0)
	assert.Error(t, err)

	// The status word still records the first map and no unmap.
	assert.Equal(t, MappedBit, v.Status()&0xF)
}

func TestUnmapWithoutMapFails(t *testing.T) {
	v := callVectors([][]byte{[]byte("data")}, nil)

	assert.Error(t, v.UnmapInvec(0))
}

func TestUnmapTwiceFails(t *testing.T) {
	v := callVectors([][]byte{[]byte("data")}, nil)

	_, err := v.MapInvec(0)
	require.NoError(t, err)
	require.NoError(t, v.UnmapInvec(0))
	assert.Error(t, v.UnmapInvec(0))
}

func TestRemapAfterUnmapFails(t *testing.T) {
	v := callVectors([][]byte{[]byte("data")}, nil)

	_, err := v.MapInvec(0)
	require.NoError(t, err)
	require.NoError(t, v.UnmapInvec(0))

	// Bits are monotonic: the mapped bit survives the unmap.
	_, err = v.MapInvec(0)
	assert.Error(t, err)
}

func TestMapUndeclaredOrEmptyFails(t *testing.T) {
	v := callVectors([][]byte{[]byte("data")}, [][]byte{{}})

	_, err := v.MapInvec(1)
	assert.Error(t, err)
	_, err = v.MapOutvec(0)
	assert.Error(t, err, "empty outvec must not be mappable")
}

func TestMapOutvecRoundTrip(t *testing.T) {
	out := make([]byte, 8)
	v := callVectors(nil, [][]byte{out})

	view, err := v.MapOutvec(0)
	require.NoError(t, err)
	copy(view, "pong")

	require.NoError(t, v.UnmapOutvec(0, 4))
	assert.Equal(t, 4, v.Written()[0])
	assert.Equal(t, "pong", string(out[:4]))

	// Written length is clamped to the declared capacity.
	out2 := make([]byte, 2)
	v2 := callVectors(nil, [][]byte{out2})
	_, err = v2.MapOutvec(0)
	require.NoError(t, err)
	require.NoError(t, v2.UnmapOutvec(0, 100))
	assert.Equal(t, 2, v2.Written()[0])
}

func TestStatusWordLayout(t *testing.T) {
	in := [][]byte{[]byte("a"), []byte("b")}
	out := [][]byte{make([]byte, 2), make([]byte, 2)}
	v := callVectors(in, out)

	_, err := v.MapInvec(1)
	require.NoError(t, err)
	require.NoError(t, v.UnmapInvec(1))
	_, err = v.Read(0, make([]byte, 1))
	require.NoError(t, err)
	require.NoError(t, v.Write(1, []byte("x")))

	want := AccessedBit<<0 | // invec 0 accessed
		(MappedBit|UnmappedBit)<<4 | // invec 1 mapped+unmapped
		AccessedBit<<20 // outvec 1 accessed
	assert.Equal(t, want, v.Status())
}
