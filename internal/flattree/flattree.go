// Package flattree maps a binary merkle tree onto a flat list of indices.
//
// Leaves sit at even indices (block i is node 2i); a parent sits between its
// two children. The depth of a node is the number of trailing one bits.
package flattree

// Index returns the node at depth and offset.
func Index(depth, offset uint64) uint64 {
	return offset<<(depth+1) | (uint64(1)<<depth - 1)
}

// Depth returns the depth of node i.
func Depth(i uint64) uint64 {
	var depth uint64
	for i&1 == 1 {
		i >>= 1
		depth++
	}
	return depth
}

// Offset returns the offset of node i within its depth.
func Offset(i uint64) uint64 {
	if i&1 == 0 {
		return i / 2
	}
	return i >> (Depth(i) + 1)
}

// Parent returns the parent of node i.
func Parent(i uint64) uint64 {
	depth := Depth(i)
	return Index(depth+1, Offset(i)>>1)
}

// Sibling returns the other child of i's parent.
func Sibling(i uint64) uint64 {
	depth := Depth(i)
	return Index(depth, Offset(i)^1)
}

// Children returns the left and right children of i. ok is false for leaves.
func Children(i uint64) (left, right uint64, ok bool) {
	if i&1 == 0 {
		return 0, 0, false
	}
	depth := Depth(i)
	offset := Offset(i) * 2
	return Index(depth-1, offset), Index(depth-1, offset+1), true
}

// LeftSpan returns the left-most leaf under i.
func LeftSpan(i uint64) uint64 {
	depth := Depth(i)
	if depth == 0 {
		return i
	}
	return Offset(i) * (uint64(2) << depth)
}

// RightSpan returns the right-most leaf under i.
func RightSpan(i uint64) uint64 {
	depth := Depth(i)
	if depth == 0 {
		return i
	}
	return (Offset(i)+1)*(uint64(2)<<depth) - 2
}

// FullRoots returns the roots of the tree whose leaves end right before the
// even node index. FullRoots(2*n) are the roots of a tree with n blocks.
func FullRoots(index uint64) []uint64 {
	if index&1 == 1 {
		return nil
	}
	var roots []uint64
	leaves := index / 2
	var offset uint64
	for leaves > 0 {
		factor := uint64(1)
		for factor*2 <= leaves {
			factor *= 2
		}
		roots = append(roots, offset+factor-1)
		offset += 2 * factor
		leaves -= factor
	}
	return roots
}
