package flattree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexDepthOffset(t *testing.T) {
	assert.Equal(t, uint64(0), Index(0, 0))
	assert.Equal(t, uint64(2), Index(0, 1))
	assert.Equal(t, uint64(1), Index(1, 0))
	assert.Equal(t, uint64(5), Index(1, 1))
	assert.Equal(t, uint64(3), Index(2, 0))

	assert.Equal(t, uint64(0), Depth(4))
	assert.Equal(t, uint64(1), Depth(5))
	assert.Equal(t, uint64(2), Depth(11))
	assert.Equal(t, uint64(2), Offset(4))
	assert.Equal(t, uint64(1), Offset(5))
	assert.Equal(t, uint64(1), Offset(11))
}

func TestParentSibling(t *testing.T) {
	assert.Equal(t, uint64(1), Parent(0))
	assert.Equal(t, uint64(1), Parent(2))
	assert.Equal(t, uint64(3), Parent(1))
	assert.Equal(t, uint64(3), Parent(5))
	assert.Equal(t, uint64(2), Sibling(0))
	assert.Equal(t, uint64(0), Sibling(2))
	assert.Equal(t, uint64(5), Sibling(1))
	assert.Equal(t, uint64(11), Sibling(3))
}

func TestChildren(t *testing.T) {
	_, _, ok := Children(4)
	assert.False(t, ok)

	l, r, ok := Children(3)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), l)
	assert.Equal(t, uint64(5), r)
}

func TestSpans(t *testing.T) {
	assert.Equal(t, uint64(0), LeftSpan(3))
	assert.Equal(t, uint64(6), RightSpan(3))
	assert.Equal(t, uint64(8), LeftSpan(11))
	assert.Equal(t, uint64(14), RightSpan(11))
	assert.Equal(t, uint64(4), RightSpan(4))
}

func TestFullRoots(t *testing.T) {
	testCases := []struct {
		blocks uint64
		want   []uint64
	}{
		{0, nil},
		{1, []uint64{0}},
		{2, []uint64{1}},
		{3, []uint64{1, 4}},
		{4, []uint64{3}},
		{5, []uint64{3, 8}},
		{7, []uint64{3, 9, 12}},
		{8, []uint64{7}},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, FullRoots(2*tc.blocks), "blocks=%d", tc.blocks)
	}
	assert.Nil(t, FullRoots(3), "odd indices have no roots")
}
