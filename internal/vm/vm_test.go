package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pgsize = 4096

func TestNewSpaceMapsOnePage(t *testing.T) {
	m := New(pgsize, 8)
	s, err := m.NewSpace()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pages())
	assert.Equal(t, 7, m.FreeFrames())

	s.Free()
	assert.Equal(t, 8, m.FreeFrames())
	assert.Panics(t, s.Free)
}

func TestAllocRollsBackOnOutOfMemory(t *testing.T) {
	m := New(pgsize, 3)
	s, err := m.NewSpace()
	require.NoError(t, err)

	_, err = s.Alloc(pgsize, 5*pgsize)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, s.Pages())
	assert.Equal(t, 2, m.FreeFrames())

	sz, err := s.Alloc(pgsize, 3*pgsize)
	require.NoError(t, err)
	assert.EqualValues(t, 3*pgsize, sz)
	assert.Equal(t, 0, m.FreeFrames())

	assert.EqualValues(t, pgsize, s.Dealloc(3*pgsize, pgsize))
	assert.Equal(t, 2, m.FreeFrames())
}

func TestCopyOutCopyIn(t *testing.T) {
	m := New(pgsize, 8)
	s, err := m.NewSpace()
	require.NoError(t, err)
	sz, err := s.Alloc(pgsize, 3*pgsize)
	require.NoError(t, err)
	require.NoError(t, s.ClearUser(pgsize))

	sp := sz - 2*WordSize
	require.NoError(t, s.CopyOut(sp, uint32(0xffffffff), "arg"))
	words, err := s.CopyIn(sp, 2)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{uint32(0xffffffff), "arg"}, words)

	// guard page
	assert.ErrorIs(t, s.CopyOut(pgsize, 1), ErrFault)
	_, err = s.CopyIn(pgsize+WordSize, 1)
	assert.ErrorIs(t, err, ErrFault)
	// unmapped
	assert.ErrorIs(t, s.CopyOut(sz, 1), ErrFault)
	// unaligned
	assert.ErrorIs(t, s.CopyOut(3, 1), ErrFault)
}

func TestCopyDuplicatesContents(t *testing.T) {
	m := New(pgsize, 8)
	s, err := m.NewSpace()
	require.NoError(t, err)
	require.NoError(t, s.CopyOut(16, "hello"))

	d, err := s.Copy(pgsize)
	require.NoError(t, err)
	require.NoError(t, s.CopyOut(16, "changed"))

	words, err := d.CopyIn(16, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", words[0])
	assert.Equal(t, 6, m.FreeFrames())
}

func TestCopyOutOfMemoryFreesPartialCopy(t *testing.T) {
	m := New(pgsize, 3)
	s, err := m.NewSpace()
	require.NoError(t, err)
	_, err = s.Alloc(pgsize, 2*pgsize)
	require.NoError(t, err)
	require.Equal(t, 1, m.FreeFrames())

	_, err = s.Copy(2 * pgsize)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, m.FreeFrames())
}

func TestKernelStacks(t *testing.T) {
	m := New(pgsize, 1)
	ks, err := m.AllocKernelStack()
	require.NoError(t, err)
	_, err = m.AllocKernelStack()
	assert.ErrorIs(t, err, ErrOutOfMemory)
	m.FreeKernelStack(ks)
	assert.Equal(t, 1, m.FreeFrames())
	assert.Panics(t, func() { m.FreeKernelStack(3) })
}

func TestSwitch(t *testing.T) {
	m := New(pgsize, 2)
	s, err := m.NewSpace()
	require.NoError(t, err)
	m.Switch(s)
	assert.Same(t, s, m.Current())
	m.Switch(nil)
	assert.Nil(t, m.Current())
}
